// Package fleet brings every enabled registry device of an application online.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/metrics"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/registry"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/storage"
)

// EnabledAttribute is the registry attribute overriding device integration
const EnabledAttribute = "integration-enabled"

// Provisioner opens cloud sessions for devices
type Provisioner interface {
	Provision(ctx context.Context, applicationID, deviceID string, handler cloud.Handler) (cloud.Session, error)
}

// Defaults resolves the integration default of an application
type Defaults interface {
	IntegrationDefault(applicationID string) bool
}

// HandlerFunc builds the command handler of a device session
type HandlerFunc func(applicationID, deviceID string) cloud.Handler

// Result summarizes one application synchronization
type Result struct {
	ApplicationID string `json:"applicationId"`
	Listed        int    `json:"listed"`
	Disabled      int    `json:"disabled"`
	Existing      int    `json:"existing"`
	Provisioned   int    `json:"provisioned"`
	Failed        int    `json:"failed"`
}

// Synchronizer walks the device registry and provisions enabled devices
type Synchronizer struct {
	lister      registry.Lister
	provisioner Provisioner
	defaults    Defaults
	sessions    *session.Manager
	handlers    HandlerFunc
	store       storage.Store
	metrics     *metrics.Metrics
	pageSize    int

	mu   sync.Mutex
	last map[string]Result
}

// Config holds the synchronizer collaborators. Store and Metrics are optional.
type Config struct {
	Lister      registry.Lister
	Provisioner Provisioner
	Defaults    Defaults
	Sessions    *session.Manager
	Handlers    HandlerFunc
	Store       storage.Store
	Metrics     *metrics.Metrics
	PageSize    int
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(cfg Config) *Synchronizer {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Synchronizer{
		lister:      cfg.Lister,
		provisioner: cfg.Provisioner,
		defaults:    cfg.Defaults,
		sessions:    cfg.Sessions,
		handlers:    cfg.Handlers,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		pageSize:    cfg.PageSize,
		last:        make(map[string]Result),
	}
}

// Enabled decides whether a device is integrated. A boolean attribute wins over the
// application default; unparseable values are ignored.
func Enabled(d models.DeviceRecord, applicationDefault bool) bool {
	if v, ok := d.Attribute(EnabledAttribute); ok {
		if enabled, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return enabled
		}
		log.Debug().Str("deviceID", d.DeviceID).Str("value", v).Msg("Ignoring invalid integration attribute")
	}
	return applicationDefault
}

// SyncFleet provisions every enabled device of the application that has no session
// yet. A device failing to provision never stops the walk; a registry error does, and
// is returned along with the partial result.
func (s *Synchronizer) SyncFleet(ctx context.Context, applicationID string) (Result, error) {
	res := Result{ApplicationID: applicationID}
	applicationDefault := s.defaults.IntegrationDefault(applicationID)

	pager := registry.NewPager(s.lister, applicationID, s.pageSize)
	for pager.Next(ctx) {
		d := pager.Device()
		res.Listed++

		if !Enabled(d, applicationDefault) {
			res.Disabled++
			continue
		}
		if s.sessions.HasDevice(d.DeviceID) {
			res.Existing++
			continue
		}

		if err := s.provision(ctx, applicationID, d.DeviceID); err != nil {
			res.Failed++
			continue
		}
		res.Provisioned++
	}

	s.record(res)

	if err := pager.Err(); err != nil {
		log.Error().Err(err).Str("applicationID", applicationID).Int("page", pager.Page()).Msg("Device listing failed")
		return res, fmt.Errorf("sync %s: %w", applicationID, err)
	}

	log.Info().
		Str("applicationID", applicationID).
		Int("listed", res.Listed).
		Int("provisioned", res.Provisioned).
		Int("disabled", res.Disabled).
		Int("failed", res.Failed).
		Msg("Fleet synchronized")
	return res, nil
}

func (s *Synchronizer) provision(ctx context.Context, applicationID, deviceID string) error {
	sess, err := s.provisioner.Provision(ctx, applicationID, deviceID, s.handlers(applicationID, deviceID))
	if err != nil {
		log.Error().Err(err).Str("applicationID", applicationID).Str("deviceID", deviceID).Msg("Device provisioning failed")
		s.metrics.Provisioning.WithLabelValues(applicationID, "failed").Inc()
		s.audit(ctx, &models.EventLog{
			ApplicationID: applicationID,
			DeviceID:      deviceID,
			Type:          models.EventTypeError,
			Level:         models.EventLevelError,
			Code:          "PROVISIONING_FAILED",
			Description:   err.Error(),
		})
		return err
	}

	err = s.sessions.AddDevice(&session.Device{
		DeviceID:      deviceID,
		ApplicationID: applicationID,
		Cloud:         sess,
	})
	if err != nil {
		log.Warn().Err(err).Str("applicationID", applicationID).Str("deviceID", deviceID).Msg("Device session not added")
		if cerr := sess.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("deviceID", deviceID).Msg("Failed to close duplicate session")
		}
		s.metrics.Provisioning.WithLabelValues(applicationID, "duplicate").Inc()
		return err
	}

	log.Info().Str("applicationID", applicationID).Str("deviceID", deviceID).Msg("Device online")
	s.metrics.Provisioning.WithLabelValues(applicationID, "provisioned").Inc()
	s.audit(ctx, &models.EventLog{
		ApplicationID: applicationID,
		DeviceID:      deviceID,
		Type:          models.EventTypeProvisioned,
		Level:         models.EventLevelInfo,
		Code:          "ONLINE",
	})
	return nil
}

// DeviceLost drops the session of a device whose cloud connection failed for good
// and provisions the device again. A failed provisioning leaves it offline until the
// next synchronization.
func (s *Synchronizer) DeviceLost(ctx context.Context, deviceID string, cause error) {
	d, ok := s.sessions.LookupDevice(deviceID)
	if !ok {
		return
	}
	s.sessions.RemoveDevice(deviceID)

	log.Warn().Err(cause).Str("applicationID", d.ApplicationID).Str("deviceID", deviceID).Msg("Device session lost")
	s.metrics.Provisioning.WithLabelValues(d.ApplicationID, "lost").Inc()
	s.audit(ctx, &models.EventLog{
		ApplicationID: d.ApplicationID,
		DeviceID:      deviceID,
		Type:          models.EventTypeError,
		Level:         models.EventLevelWarning,
		Code:          "SESSION_LOST",
		Description:   cause.Error(),
	})

	if ctx.Err() != nil {
		return
	}
	_ = s.provision(ctx, d.ApplicationID, deviceID)
}

// SyncAll synchronizes the applications concurrently. One application's failure
// does not cancel the others; the errors are joined.
func (s *Synchronizer) SyncAll(ctx context.Context, applicationIDs []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, id := range applicationIDs {
		id := id
		g.Go(func() error {
			if _, err := s.SyncFleet(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

// LastResults returns the most recent result of every synchronized application
func (s *Synchronizer) LastResults() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApplicationID < out[j].ApplicationID })
	return out
}

func (s *Synchronizer) record(res Result) {
	s.mu.Lock()
	s.last[res.ApplicationID] = res
	s.mu.Unlock()
}

func (s *Synchronizer) audit(ctx context.Context, event *models.EventLog) {
	if s.store == nil {
		return
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Warn().Err(err).Str("deviceID", event.DeviceID).Msg("Failed to record event")
	}
}
