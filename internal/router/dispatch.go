package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/bus"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
)

// Submitter queues routing tasks
type Submitter interface {
	Submit(task Task) error
}

// Dispatcher feeds bus and cloud callbacks into the worker pool. Callbacks run on
// client library goroutines and must return quickly.
type Dispatcher struct {
	pool     Submitter
	sessions *session.Manager

	abandonTimeout time.Duration
}

// NewDispatcher creates a dispatcher submitting to pool
func NewDispatcher(pool Submitter, sessions *session.Manager) *Dispatcher {
	return &Dispatcher{
		pool:           pool,
		sessions:       sessions,
		abandonTimeout: 10 * time.Second,
	}
}

// BusHandler returns the message handler for an application's bus session
func (d *Dispatcher) BusHandler(applicationID string) bus.Handler {
	return func(topic string, payload []byte) {
		err := d.pool.Submit(Task{
			Kind:          TaskBusMessage,
			ApplicationID: applicationID,
			Topic:         topic,
			Payload:       payload,
		})
		if err != nil {
			log.Warn().Err(err).Str("applicationID", applicationID).Str("topic", topic).Msg("Bus message dropped")
		}
	}
}

// CommandHandler returns the command handler for a device's cloud session.
// Commands that cannot be queued are abandoned so the backend redelivers them.
func (d *Dispatcher) CommandHandler(applicationID, deviceID string) cloud.Handler {
	return func(msg cloud.Message) {
		err := d.pool.Submit(Task{
			Kind:          TaskCommand,
			ApplicationID: applicationID,
			DeviceID:      deviceID,
			Command:       msg,
		})
		if err == nil {
			return
		}

		log.Warn().Err(err).Str("applicationID", applicationID).Str("deviceID", deviceID).Str("lockToken", msg.LockToken).Msg("Command abandoned")
		go d.abandon(deviceID, msg.LockToken)
	}
}

func (d *Dispatcher) abandon(deviceID, token string) {
	dev, ok := d.sessions.LookupDevice(deviceID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.abandonTimeout)
	defer cancel()

	if err := dev.Cloud.Abandon(ctx, token); err != nil {
		log.Warn().Err(err).Str("deviceID", deviceID).Str("lockToken", token).Msg("Failed to abandon command")
	}
}
