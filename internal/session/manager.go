// Package session owns the bus sessions of every application and the cloud
// sessions of every provisioned device.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
)

// ErrDuplicateKey is returned when a session is already registered under the key
var ErrDuplicateKey = errors.New("session already exists")

// Publisher is the publishing side of an application's bus session
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Tenant is the bus session of one application
type Tenant struct {
	// ApplicationID is the configured application key
	ApplicationID string
	// MQTTApplicationID is the id used in subscriptions
	MQTTApplicationID string
	// DownlinkApplicationID is the id used in downlink topics, MQTTApplicationID when empty
	DownlinkApplicationID string
	TopicPrefix       string
	Bus               Publisher
}

// Device is the cloud session of one device
type Device struct {
	DeviceID      string
	ApplicationID string
	Cloud         cloud.Session
}

// Manager holds the tenant and device session maps. Device ids are assumed to be
// unique across applications.
type Manager struct {
	tenantsMu sync.RWMutex
	tenants   map[string]*Tenant

	devicesMu sync.RWMutex
	devices   map[string]*Device
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{
		tenants: make(map[string]*Tenant),
		devices: make(map[string]*Device),
	}
}

// AddTenant registers an application's bus session
func (m *Manager) AddTenant(t *Tenant) error {
	m.tenantsMu.Lock()
	defer m.tenantsMu.Unlock()

	if _, exists := m.tenants[t.ApplicationID]; exists {
		return ErrDuplicateKey
	}
	m.tenants[t.ApplicationID] = t
	return nil
}

// AddDevice registers a device's cloud session
func (m *Manager) AddDevice(d *Device) error {
	m.devicesMu.Lock()
	defer m.devicesMu.Unlock()

	if _, exists := m.devices[d.DeviceID]; exists {
		return ErrDuplicateKey
	}
	m.devices[d.DeviceID] = d
	return nil
}

// HasDevice reports whether a session exists for deviceID
func (m *Manager) HasDevice(deviceID string) bool {
	_, ok := m.LookupDevice(deviceID)
	return ok
}

// LookupTenant returns the session of an application
func (m *Manager) LookupTenant(applicationID string) (*Tenant, bool) {
	m.tenantsMu.RLock()
	defer m.tenantsMu.RUnlock()

	t, ok := m.tenants[applicationID]
	return t, ok
}

// LookupDevice returns the session of a device
func (m *Manager) LookupDevice(deviceID string) (*Device, bool) {
	m.devicesMu.RLock()
	defer m.devicesMu.RUnlock()

	d, ok := m.devices[deviceID]
	return d, ok
}

// RemoveDevice drops and closes a device session
func (m *Manager) RemoveDevice(deviceID string) {
	m.devicesMu.Lock()
	d, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.devicesMu.Unlock()

	if ok {
		closeDevice(d)
	}
}

// TenantCount returns the number of application sessions
func (m *Manager) TenantCount() int {
	m.tenantsMu.RLock()
	defer m.tenantsMu.RUnlock()
	return len(m.tenants)
}

// DeviceCount returns the number of device sessions
func (m *Manager) DeviceCount() int {
	m.devicesMu.RLock()
	defer m.devicesMu.RUnlock()
	return len(m.devices)
}

// Devices returns a snapshot of device sessions sorted by device id
func (m *Manager) Devices() []Device {
	m.devicesMu.RLock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	m.devicesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Tenants returns a snapshot of application sessions sorted by application id
func (m *Manager) Tenants() []Tenant {
	m.tenantsMu.RLock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	m.tenantsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ApplicationID < out[j].ApplicationID })
	return out
}

// CloseAll closes every device session, then every bus session. Close failures are
// logged and do not stop the sweep.
func (m *Manager) CloseAll() {
	m.devicesMu.Lock()
	devices := m.devices
	m.devices = make(map[string]*Device)
	m.devicesMu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			closeDevice(d)
		}(d)
	}
	wg.Wait()

	m.tenantsMu.Lock()
	tenants := m.tenants
	m.tenants = make(map[string]*Tenant)
	m.tenantsMu.Unlock()

	for _, t := range tenants {
		if t.Bus == nil {
			continue
		}
		if err := t.Bus.Close(); err != nil {
			log.Error().Err(err).Str("applicationID", t.ApplicationID).Msg("Failed to close bus session")
		}
	}

	log.Info().Int("devices", len(devices)).Int("tenants", len(tenants)).Msg("Sessions closed")
}

func closeDevice(d *Device) {
	if d.Cloud == nil {
		return
	}
	if err := d.Cloud.Close(); err != nil {
		log.Error().Err(err).Str("deviceID", d.DeviceID).Str("applicationID", d.ApplicationID).Msg("Failed to close device session")
	}
}
