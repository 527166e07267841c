package models

import (
	"encoding/json"
	"time"

	"github.com/lorawan-server/lorawan-cloud-bridge/pkg/lorawan"
)

// EndDeviceIDs identifies an end device on the network server
type EndDeviceIDs struct {
	DeviceID       string         `json:"device_id"`
	ApplicationIDs ApplicationIDs `json:"application_ids"`
	DevEUI         lorawan.EUI64  `json:"dev_eui"`
}

// UnmarshalJSON decodes the identifiers. A malformed dev_eui decodes to the zero EUI
// instead of failing the message that carries it.
func (ids *EndDeviceIDs) UnmarshalJSON(data []byte) error {
	type plain EndDeviceIDs
	var raw struct {
		plain
		DevEUI json.RawMessage `json:"dev_eui"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*ids = EndDeviceIDs(raw.plain)
	ids.DevEUI = lorawan.EUI64{}
	if len(raw.DevEUI) > 0 {
		var eui lorawan.EUI64
		if err := json.Unmarshal(raw.DevEUI, &eui); err == nil {
			ids.DevEUI = eui
		}
	}
	return nil
}

// ApplicationIDs identifies an application on the network server
type ApplicationIDs struct {
	ApplicationID string `json:"application_id"`
}

// UplinkPayload is published on the uplink topic
type UplinkPayload struct {
	EndDeviceIDs   EndDeviceIDs  `json:"end_device_ids"`
	CorrelationIDs []string      `json:"correlation_ids"`
	ReceivedAt     time.Time     `json:"received_at"`
	Simulated      bool          `json:"simulated"`
	UplinkMessage  UplinkMessage `json:"uplink_message"`
}

// UplinkMessage is the application layer part of an uplink
type UplinkMessage struct {
	FPort          *uint8                 `json:"f_port"`
	FCnt           uint32                 `json:"f_cnt"`
	FRMPayload     string                 `json:"frm_payload"`
	DecodedPayload map[string]interface{} `json:"decoded_payload"`
	ReceivedAt     time.Time              `json:"received_at"`
}

// DownlinkStatusPayload is published on the down/queued, down/ack, down/nack and
// down/failed topics
type DownlinkStatusPayload struct {
	EndDeviceIDs   EndDeviceIDs     `json:"end_device_ids"`
	CorrelationIDs []string         `json:"correlation_ids"`
	DownlinkQueued *DownlinkStatus  `json:"downlink_queued,omitempty"`
	DownlinkAck    *DownlinkStatus  `json:"downlink_ack,omitempty"`
	DownlinkNack   *DownlinkStatus  `json:"downlink_nack,omitempty"`
	DownlinkFailed *DownlinkFailure `json:"downlink_failed,omitempty"`
}

// DownlinkStatus echoes the downlink a status refers to
type DownlinkStatus struct {
	FPort          uint8    `json:"f_port"`
	Confirmed      bool     `json:"confirmed"`
	Priority       string   `json:"priority"`
	CorrelationIDs []string `json:"correlation_ids"`
}

// DownlinkFailure describes a downlink the network server gave up on
type DownlinkFailure struct {
	Downlink DownlinkStatus `json:"downlink"`
	Error    *StatusError   `json:"error,omitempty"`
}

// StatusError is the network server error detail
type StatusError struct {
	Namespace     string `json:"namespace"`
	Name          string `json:"name"`
	MessageFormat string `json:"message_format"`
}

func (p DownlinkStatusPayload) status() *DownlinkStatus {
	switch {
	case p.DownlinkQueued != nil:
		return p.DownlinkQueued
	case p.DownlinkAck != nil:
		return p.DownlinkAck
	case p.DownlinkNack != nil:
		return p.DownlinkNack
	case p.DownlinkFailed != nil:
		return &p.DownlinkFailed.Downlink
	}
	return nil
}

// LockToken finds the lock token in the top level correlation ids, then in the
// ids of the downlink the status refers to
func (p DownlinkStatusPayload) LockToken() (string, bool) {
	if token, ok := LockTokenFrom(p.CorrelationIDs); ok {
		return token, true
	}
	if s := p.status(); s != nil {
		return LockTokenFrom(s.CorrelationIDs)
	}
	return "", false
}

// Confirmed reports the confirmed flag echoed by the status message
func (p DownlinkStatusPayload) Confirmed() bool {
	if s := p.status(); s != nil {
		return s.Confirmed
	}
	return false
}
