package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents a delivery audit log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	ApplicationID string `json:"applicationId,omitempty" db:"application_id"`
	DeviceID      string `json:"deviceId,omitempty" db:"device_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Uplink path
	EventTypeUplink  EventType = "UPLINK"
	EventTypeControl EventType = "CONTROL"

	// Downlink path
	EventTypeDownlink       EventType = "DOWNLINK"
	EventTypeDownlinkQueued EventType = "DOWNLINK_QUEUED"
	EventTypeDownlinkAck    EventType = "DOWNLINK_ACK"
	EventTypeDownlinkNack   EventType = "DOWNLINK_NACK"
	EventTypeDownlinkFailed EventType = "DOWNLINK_FAILED"
	EventTypeDownlinkReject EventType = "DOWNLINK_REJECTED"

	// Fleet
	EventTypeProvisioned EventType = "DEVICE_PROVISIONED"
	EventTypeError       EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)
