package models

import (
	"github.com/lorawan-server/lorawan-cloud-bridge/pkg/lorawan"
)

// DeviceRecord is an end device as listed by the device registry
type DeviceRecord struct {
	DeviceID      string
	ApplicationID string
	DevEUI        lorawan.EUI64
	Name          string
	Attributes    map[string]string
}

// Attribute returns the named attribute and whether it is present
func (d DeviceRecord) Attribute(name string) (string, bool) {
	if d.Attributes == nil {
		return "", false
	}
	v, ok := d.Attributes[name]
	return v, ok
}
