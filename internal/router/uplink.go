package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
	"github.com/lorawan-server/lorawan-cloud-bridge/internal/normalize"
)

// timeLayout is how acquisition times are written into telemetry
const timeLayout = "2006-01-02T15:04:05"

// OnUplink forwards an uplink to the device's cloud session as telemetry. Control
// messages and uplinks of devices without a session are dropped.
func (r *Router) OnUplink(ctx context.Context, applicationID string, up models.UplinkPayload) error {
	deviceID := up.EndDeviceIDs.DeviceID

	if up.UplinkMessage.FPort == nil {
		log.Info().Str("applicationID", applicationID).Str("deviceID", deviceID).Msg("Uplink control message ignored")
		r.metrics.Uplinks.WithLabelValues(applicationID, "control").Inc()
		return nil
	}
	port := *up.UplinkMessage.FPort

	d, ok := r.sessions.LookupDevice(deviceID)
	if !ok {
		log.Warn().Str("applicationID", applicationID).Str("deviceID", deviceID).Msg("Uplink from unknown device")
		r.metrics.Uplinks.WithLabelValues(applicationID, "unknown_device").Inc()
		return nil
	}

	appID := up.EndDeviceIDs.ApplicationIDs.ApplicationID
	if appID == "" {
		appID = applicationID
	}

	receivedAt := up.UplinkMessage.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = up.ReceivedAt
	}
	if receivedAt.IsZero() {
		receivedAt = r.now()
	}
	receivedAtUtc := receivedAt.UTC().Format(timeLayout)

	event := normalize.Normalize(up.UplinkMessage.DecodedPayload)
	event["ApplicationID"] = appID
	event["DeviceID"] = deviceID
	event["Port"] = port
	event["Simulated"] = up.Simulated
	event["ReceivedAtUtc"] = receivedAtUtc
	event["PayloadRaw"] = up.UplinkMessage.FRMPayload

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	properties := map[string]string{
		"ApplicationId":     appID,
		"DeviceId":          deviceID,
		"port":              strconv.Itoa(int(port)),
		"Simulated":         strconv.FormatBool(up.Simulated),
		"creation-time-utc": receivedAtUtc,
	}

	log.Info().
		Str("applicationID", appID).
		Str("deviceID", deviceID).
		Uint8("port", port).
		Str("payloadRaw", up.UplinkMessage.FRMPayload).
		Msg("Uplink")

	sendCtx, cancel := r.cloudContext(ctx)
	defer cancel()

	start := time.Now()
	if err := d.Cloud.SendEvent(sendCtx, body, properties); err != nil {
		log.Error().Err(err).Str("applicationID", appID).Str("deviceID", deviceID).Msg("Failed to send telemetry")
		r.metrics.Uplinks.WithLabelValues(applicationID, "failed").Inc()
		r.audit(ctx, &models.EventLog{
			ApplicationID: applicationID,
			DeviceID:      deviceID,
			Type:          models.EventTypeUplink,
			Level:         models.EventLevelError,
			Code:          "SEND_FAILED",
			Description:   err.Error(),
		})
		return err
	}

	r.metrics.Uplinks.WithLabelValues(applicationID, "forwarded").Inc()
	r.audit(ctx, &models.EventLog{
		ApplicationID: applicationID,
		DeviceID:      deviceID,
		Type:          models.EventTypeUplink,
		Level:         models.EventLevelInfo,
		Code:          "FORWARDED",
		Details: models.Variables{
			"port":     port,
			"fCnt":     up.UplinkMessage.FCnt,
			"duration": time.Since(start).String(),
		},
	})
	return nil
}
