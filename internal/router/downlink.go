package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/bus"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/cloud"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/correlation"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/session"
)

// ErrInvalidDownlink is returned for commands that cannot be turned into a downlink
var ErrInvalidDownlink = errors.New("invalid downlink command")

// Command properties
const (
	PropertyPort       = "port"
	PropertyConfirmed  = "confirmed"
	PropertyPriority   = "priority"
	PropertyQueue      = "queue"
	PropertyMethodName = "method-name"
)

// OnCommand turns a cloud command into a queued downlink. Invalid commands are
// rejected back to the cloud session. The correlation entry is registered before
// publishing so a fast status message always finds it.
func (r *Router) OnCommand(ctx context.Context, applicationID, deviceID string, msg cloud.Message) error {
	d, ok := r.sessions.LookupDevice(deviceID)
	if !ok {
		// the lock lapses and the backend redelivers once the session is registered
		log.Warn().Str("applicationID", applicationID).Str("deviceID", deviceID).Str("lockToken", msg.LockToken).Msg("Command for device without session")
		r.metrics.Downlinks.WithLabelValues(applicationID, "unknown_device").Inc()
		return nil
	}

	tenant, ok := r.sessions.LookupTenant(applicationID)
	if !ok {
		log.Warn().Str("applicationID", applicationID).Str("deviceID", deviceID).Msg("Command for unknown application")
		r.settle(ctx, d, msg.LockToken, d.Cloud.Abandon, "abandon")
		r.metrics.Downlinks.WithLabelValues(applicationID, "unknown_application").Inc()
		return nil
	}

	req, err := r.buildDownlink(applicationID, msg)
	if err != nil {
		log.Warn().Err(err).
			Str("applicationID", applicationID).
			Str("deviceID", deviceID).
			Str("messageID", msg.MessageID).
			Str("lockToken", msg.LockToken).
			Msg("Downlink rejected")
		r.settle(ctx, d, msg.LockToken, d.Cloud.Reject, "reject")
		r.metrics.Downlinks.WithLabelValues(applicationID, "rejected").Inc()
		r.audit(ctx, &models.EventLog{
			ApplicationID: applicationID,
			DeviceID:      deviceID,
			Type:          models.EventTypeDownlinkReject,
			Level:         models.EventLevelWarning,
			Code:          "INVALID_COMMAND",
			Description:   err.Error(),
		})
		return nil
	}

	token, err := r.registry.Register(correlation.Entry{
		Token:         msg.LockToken,
		ApplicationID: applicationID,
		DeviceID:      deviceID,
		Confirmed:     req.Confirmed,
	})
	if err != nil {
		log.Error().Err(err).Str("applicationID", applicationID).Str("deviceID", deviceID).Str("lockToken", msg.LockToken).Msg("Downlink dropped")
		r.metrics.Downlinks.WithLabelValues(applicationID, "duplicate").Inc()
		return err
	}
	req.CorrelationToken = token

	payload, err := json.Marshal(req.Envelope())
	if err != nil {
		r.registry.Resolve(token)
		return fmt.Errorf("marshal downlink: %w", err)
	}

	downlinkID := tenant.DownlinkApplicationID
	if downlinkID == "" {
		downlinkID = tenant.MQTTApplicationID
	}
	topic := bus.DownlinkTopic(tenant.TopicPrefix, downlinkID, deviceID, req.Queue)
	err = tenant.Bus.Publish(ctx, topic, payload)
	if errors.Is(err, bus.ErrNotConnected) {
		// leave the lock to lapse; the backend redelivers once the lock expires
		_, _ = r.registry.Resolve(token)
		log.Warn().Str("applicationID", applicationID).Str("deviceID", deviceID).Str("lockToken", token).Msg("Bus offline, downlink left for redelivery")
		r.metrics.Downlinks.WithLabelValues(applicationID, "deferred").Inc()
		return nil
	}
	if err != nil {
		log.Error().Err(err).Str("applicationID", applicationID).Str("deviceID", deviceID).Str("topic", topic).Msg("Downlink publish failed")
		// a status may already have claimed the entry
		if _, rerr := r.registry.Resolve(token); rerr == nil {
			r.settle(ctx, d, token, d.Cloud.Abandon, "abandon")
		}
		r.metrics.Downlinks.WithLabelValues(applicationID, "failed").Inc()
		r.audit(ctx, &models.EventLog{
			ApplicationID: applicationID,
			DeviceID:      deviceID,
			Type:          models.EventTypeDownlink,
			Level:         models.EventLevelError,
			Code:          "PUBLISH_FAILED",
			Description:   err.Error(),
		})
		return err
	}

	log.Info().
		Str("applicationID", applicationID).
		Str("deviceID", deviceID).
		Str("messageID", msg.MessageID).
		Str("lockToken", token).
		Uint8("port", req.Port).
		Bool("confirmed", req.Confirmed).
		Str("priority", string(req.Priority)).
		Str("queue", string(req.Queue)).
		Msg("Downlink")

	r.metrics.Downlinks.WithLabelValues(applicationID, "published").Inc()
	r.audit(ctx, &models.EventLog{
		ApplicationID: applicationID,
		DeviceID:      deviceID,
		Type:          models.EventTypeDownlink,
		Level:         models.EventLevelInfo,
		Code:          "PUBLISHED",
		Details: models.Variables{
			"token":     token,
			"port":      req.Port,
			"confirmed": req.Confirmed,
			"queue":     string(req.Queue),
		},
	})
	return nil
}

// buildDownlink reads the downlink settings either from the command properties or
// from the method table when the command names a method
func (r *Router) buildDownlink(applicationID string, msg cloud.Message) (models.DownlinkRequest, error) {
	if name, ok := msg.Property(PropertyMethodName); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return models.DownlinkRequest{}, fmt.Errorf("empty method name: %w", ErrInvalidDownlink)
		}
		if r.methods == nil {
			return models.DownlinkRequest{}, fmt.Errorf("method %s not configured: %w", name, ErrInvalidDownlink)
		}
		m, ok := r.methods.Method(applicationID, name)
		if !ok {
			return models.DownlinkRequest{}, fmt.Errorf("method %s not configured: %w", name, ErrInvalidDownlink)
		}

		return models.DownlinkRequest{
			Port:      m.Port,
			Confirmed: m.Confirmed,
			Priority:  m.Priority,
			Queue:     m.Queue,
			Payload:   resolvePayload(msg.Body, name),
		}, nil
	}

	var req models.DownlinkRequest

	v, _ := msg.Property(PropertyPort)
	port, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8)
	if err != nil || port > models.MaxFPort {
		return req, fmt.Errorf("port %q: %w", v, ErrInvalidDownlink)
	}
	req.Port = uint8(port)

	v, _ = msg.Property(PropertyConfirmed)
	if req.Confirmed, err = strconv.ParseBool(strings.TrimSpace(v)); err != nil {
		return req, fmt.Errorf("confirmed %q: %w", v, ErrInvalidDownlink)
	}

	v, _ = msg.Property(PropertyPriority)
	if req.Priority, err = models.ParsePriority(v); err != nil {
		return req, fmt.Errorf("%v: %w", err, ErrInvalidDownlink)
	}

	v, _ = msg.Property(PropertyQueue)
	if req.Queue, err = models.ParseQueue(v); err != nil {
		return req, fmt.Errorf("%v: %w", err, ErrInvalidDownlink)
	}

	req.Payload = resolvePayload(msg.Body, "")
	return req, nil
}

// resolvePayload decodes brace or bracket delimited JSON bodies. Anything else is
// carried as text, or for method commands wrapped under the method name, as a JSON
// value when it parses and as a string otherwise.
func resolvePayload(body []byte, methodName string) models.DownlinkPayload {
	text := strings.TrimSpace(string(body))

	if isDelimited(text) && json.Valid([]byte(text)) {
		return models.DownlinkPayload{Decoded: json.RawMessage(text)}
	}

	if methodName == "" {
		return models.DownlinkPayload{Raw: text}
	}

	var wrapped []byte
	if text != "" && json.Valid([]byte(text)) {
		wrapped, _ = json.Marshal(map[string]json.RawMessage{methodName: json.RawMessage(text)})
	} else {
		wrapped, _ = json.Marshal(map[string]string{methodName: text})
	}
	return models.DownlinkPayload{Decoded: wrapped}
}

func isDelimited(text string) bool {
	return (strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}")) ||
		(strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]"))
}

// OnStatus applies a downlink status to the command it correlates with. Unconfirmed
// downlinks complete on queued; confirmed ones stay pending until ack, nack or failed.
func (r *Router) OnStatus(ctx context.Context, applicationID string, kind bus.Kind, status models.DownlinkStatusPayload) error {
	deviceID := status.EndDeviceIDs.DeviceID

	token, ok := status.LockToken()
	if !ok {
		log.Warn().Str("applicationID", applicationID).Str("deviceID", deviceID).Str("status", kind.String()).Msg("Downlink status without lock token")
		r.metrics.Statuses.WithLabelValues(kind.String(), "no_token").Inc()
		return nil
	}

	if kind == bus.KindQueued {
		entry, ok := r.registry.Peek(token)
		if !ok {
			r.unknownToken(applicationID, deviceID, token, kind)
			return nil
		}
		if entry.Confirmed {
			log.Info().Str("applicationID", applicationID).Str("deviceID", deviceID).Str("lockToken", token).Msg("Confirmed downlink queued")
			r.metrics.Statuses.WithLabelValues(kind.String(), "pending").Inc()
			r.audit(ctx, statusEvent(models.EventTypeDownlinkQueued, entry, "PENDING_CONFIRMATION"))
			return nil
		}
	}

	entry, err := r.registry.Resolve(token)
	if err != nil {
		r.unknownToken(applicationID, deviceID, token, kind)
		return nil
	}

	d, ok := r.sessions.LookupDevice(entry.DeviceID)
	if !ok {
		log.Warn().Str("applicationID", applicationID).Str("deviceID", entry.DeviceID).Str("lockToken", token).Msg("Downlink status for device without session")
		r.metrics.Statuses.WithLabelValues(kind.String(), "unknown_device").Inc()
		return nil
	}

	var settle func(context.Context, string) error
	var op string
	var eventType models.EventType
	switch kind {
	case bus.KindQueued:
		settle, op, eventType = d.Cloud.Complete, "complete", models.EventTypeDownlinkQueued
	case bus.KindAck:
		settle, op, eventType = d.Cloud.Complete, "complete", models.EventTypeDownlinkAck
	case bus.KindNack:
		settle, op, eventType = d.Cloud.Abandon, "abandon", models.EventTypeDownlinkNack
	case bus.KindFailed:
		settle, op, eventType = d.Cloud.Reject, "reject", models.EventTypeDownlinkFailed
	default:
		return nil
	}

	outcome := r.settle(ctx, d, token, settle, op)
	r.metrics.Statuses.WithLabelValues(kind.String(), outcome).Inc()

	event := statusEvent(eventType, entry, strings.ToUpper(outcome))
	if f := status.DownlinkFailed; f != nil && f.Error != nil {
		event.Description = f.Error.Namespace + ":" + f.Error.Name
	}
	r.audit(ctx, event)

	log.Info().
		Str("applicationID", applicationID).
		Str("deviceID", entry.DeviceID).
		Str("lockToken", token).
		Str("status", kind.String()).
		Str("outcome", outcome).
		Msg("Downlink status")
	return nil
}

// settle runs a settlement call on a device session and returns the outcome label.
// A lapsed lock is a timeout: the backend has already given up on the message.
func (r *Router) settle(ctx context.Context, d *session.Device, token string, fn func(context.Context, string) error, op string) string {
	cctx, cancel := r.cloudContext(ctx)
	defer cancel()

	err := fn(cctx, token)
	switch {
	case err == nil:
		return "resolved"
	case errors.Is(err, cloud.ErrLockLost):
		log.Warn().Str("deviceID", d.DeviceID).Str("lockToken", token).Str("op", op).Msg("Message lock lost, settlement timed out")
		return "lock_lost"
	default:
		log.Error().Err(err).Str("deviceID", d.DeviceID).Str("lockToken", token).Str("op", op).Msg("Settlement failed")
		return "error"
	}
}

func (r *Router) unknownToken(applicationID, deviceID, token string, kind bus.Kind) {
	log.Warn().
		Str("applicationID", applicationID).
		Str("deviceID", deviceID).
		Str("lockToken", token).
		Str("status", kind.String()).
		Msg("Downlink status for unknown correlation")
	r.metrics.Statuses.WithLabelValues(kind.String(), "unknown_token").Inc()
}

func statusEvent(t models.EventType, e correlation.Entry, code string) *models.EventLog {
	return &models.EventLog{
		ApplicationID: e.ApplicationID,
		DeviceID:      e.DeviceID,
		Type:          t,
		Level:         models.EventLevelInfo,
		Code:          code,
		Details: models.Variables{
			"token":     e.Token,
			"confirmed": e.Confirmed,
		},
	}
}
