// Package router moves messages between the network server bus and the device
// cloud sessions.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/bus"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/config"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/correlation"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/metrics"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/storage"
)

// MethodTable resolves named cloud methods to downlink settings
type MethodTable interface {
	Method(applicationID, name string) (config.MethodSetting, bool)
}

// TaskKind tags a routing task
type TaskKind int

const (
	// TaskBusMessage is a message received on an application's bus session
	TaskBusMessage TaskKind = iota
	// TaskCommand is a command received on a device's cloud session
	TaskCommand
)

// Task is one inbound notification queued for processing
type Task struct {
	Kind          TaskKind
	ApplicationID string

	Topic   string
	Payload []byte

	DeviceID string
	Command  cloud.Message
}

// Router routes uplinks, cloud commands and downlink status messages
type Router struct {
	sessions *session.Manager
	registry *correlation.Registry
	methods  MethodTable
	store    storage.Store
	metrics  *metrics.Metrics

	// cloudTimeout bounds each call on a device session
	cloudTimeout time.Duration
	now          func() time.Time
}

// New creates a router. store may be nil.
func New(sessions *session.Manager, registry *correlation.Registry, methods MethodTable, store storage.Store, m *metrics.Metrics) *Router {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Router{
		sessions:     sessions,
		registry:     registry,
		methods:      methods,
		store:        store,
		metrics:      m,
		cloudTimeout: 30 * time.Second,
		now:          time.Now,
	}
}

// Process handles a task. It is the worker pool processor; returned errors only
// feed the pool failure counters.
func (r *Router) Process(ctx context.Context, task Task) error {
	switch task.Kind {
	case TaskBusMessage:
		return r.onBusMessage(ctx, task.ApplicationID, task.Topic, task.Payload)
	case TaskCommand:
		return r.OnCommand(ctx, task.ApplicationID, task.DeviceID, task.Command)
	}

	log.Warn().Int("kind", int(task.Kind)).Msg("Unknown task kind")
	return nil
}

func (r *Router) onBusMessage(ctx context.Context, applicationID, topic string, payload []byte) error {
	kind, topicDeviceID := bus.Classify(topic)

	switch kind {
	case bus.KindUplink:
		var up models.UplinkPayload
		if err := json.Unmarshal(payload, &up); err != nil {
			log.Error().Err(err).Str("applicationID", applicationID).Str("topic", topic).Msg("Invalid uplink payload")
			r.metrics.Uplinks.WithLabelValues(applicationID, "invalid").Inc()
			return nil
		}
		if up.EndDeviceIDs.DeviceID == "" {
			up.EndDeviceIDs.DeviceID = topicDeviceID
		}
		return r.OnUplink(ctx, applicationID, up)

	case bus.KindQueued, bus.KindAck, bus.KindNack, bus.KindFailed:
		var status models.DownlinkStatusPayload
		if err := json.Unmarshal(payload, &status); err != nil {
			log.Error().Err(err).Str("applicationID", applicationID).Str("topic", topic).Msg("Invalid downlink status payload")
			r.metrics.Statuses.WithLabelValues(kind.String(), "invalid").Inc()
			return nil
		}
		if status.EndDeviceIDs.DeviceID == "" {
			status.EndDeviceIDs.DeviceID = topicDeviceID
		}
		return r.OnStatus(ctx, applicationID, kind, status)

	case bus.KindUnrecognized:
		log.Warn().Str("applicationID", applicationID).Str("topic", topic).Msg("Message on unknown topic")
	}

	return nil
}

// audit records an event log entry; failures are logged only
func (r *Router) audit(ctx context.Context, event *models.EventLog) {
	if r.store == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	if err := r.store.CreateEventLog(ctx, event); err != nil {
		log.Warn().Err(err).Str("type", string(event.Type)).Str("deviceID", event.DeviceID).Msg("Failed to record event")
	}
}

func (r *Router) cloudContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cloudTimeout)
}
