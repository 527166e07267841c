// Package provisioning obtains cloud credentials for devices and opens their sessions.
package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/config"
	"github.com/lorawan-server/lorawan-cloud-bridge/pkg/crypto"
)

var (
	// ErrProvisioningFailed is returned when the provisioning service did not assign the device
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrDeviceUnreachable is returned when the session to the assigned endpoint cannot be opened
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrNotConfigured is returned when the application has no credential strategy
	ErrNotConfigured = errors.New("no credentials configured")
)

// Registrar registers a device with a provisioning service
type Registrar interface {
	Register(ctx context.Context, idScope, deviceID, deviceKey string) (Assignment, error)
}

// Provisioner resolves credentials per application and dials device sessions
type Provisioner struct {
	apps      map[string]config.ApplicationConfig
	registrar Registrar
	dialer    cloud.Dialer
}

// NewProvisioner creates a provisioner
func NewProvisioner(apps map[string]config.ApplicationConfig, registrar Registrar, dialer cloud.Dialer) *Provisioner {
	return &Provisioner{
		apps:      apps,
		registrar: registrar,
		dialer:    dialer,
	}
}

// Credentials picks the first configured strategy for the application: its connection
// string, then group enrollment through the provisioning service.
func (p *Provisioner) Credentials(ctx context.Context, applicationID, deviceID string) (cloud.Credentials, error) {
	app, ok := p.apps[applicationID]
	if !ok {
		return cloud.Credentials{}, fmt.Errorf("application %s: %w", applicationID, ErrNotConfigured)
	}

	if app.ConnectionString != "" {
		creds, err := cloud.ParseConnectionString(app.ConnectionString)
		if err != nil {
			return cloud.Credentials{}, fmt.Errorf("application %s: %w", applicationID, err)
		}
		return creds.WithDevice(deviceID), nil
	}

	if dp := app.DeviceProvisioning; dp != nil && p.registrar != nil {
		key, err := crypto.DeriveDeviceKey(dp.GroupEnrollmentKey, deviceID)
		if err != nil {
			return cloud.Credentials{}, fmt.Errorf("derive key for %s: %w", deviceID, err)
		}

		assignment, err := p.registrar.Register(ctx, dp.IDScope, deviceID, key)
		if err != nil {
			if errors.Is(err, ErrProvisioningFailed) {
				return cloud.Credentials{}, err
			}
			return cloud.Credentials{}, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
		}

		log.Debug().
			Str("applicationID", applicationID).
			Str("deviceID", deviceID).
			Str("assignedHub", assignment.AssignedHub).
			Msg("Device assigned")

		return cloud.Credentials{
			Endpoint: assignment.AssignedHub,
			DeviceID: assignment.DeviceID,
			Key:      key,
		}, nil
	}

	return cloud.Credentials{}, fmt.Errorf("application %s: %w", applicationID, ErrNotConfigured)
}

// Provision obtains credentials and opens the device session
func (p *Provisioner) Provision(ctx context.Context, applicationID, deviceID string, handler cloud.Handler) (cloud.Session, error) {
	creds, err := p.Credentials(ctx, applicationID, deviceID)
	if err != nil {
		return nil, err
	}

	session, err := p.dialer.Dial(ctx, creds, handler)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w: %v", deviceID, ErrDeviceUnreachable, err)
	}

	return session, nil
}
