// Package cloud holds the per-device sessions with the cloud messaging backend.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLockLost is returned when a message can no longer be settled because its lock expired
	ErrLockLost = errors.New("message lock lost")
	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// Credentials identify a device against the cloud backend
type Credentials struct {
	Endpoint string
	DeviceID string
	Key      string
}

// ParseConnectionString parses HostName=..;SharedAccessKey=..[;DeviceId=..]
func ParseConnectionString(s string) (Credentials, error) {
	var c Credentials

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return c, fmt.Errorf("invalid connection string segment %q", part)
		}
		switch strings.ToLower(k) {
		case "hostname":
			c.Endpoint = v
		case "sharedaccesskey":
			c.Key = v
		case "deviceid":
			c.DeviceID = v
		}
	}

	if c.Endpoint == "" {
		return c, fmt.Errorf("connection string has no HostName")
	}
	return c, nil
}

// WithDevice returns the credentials bound to deviceID unless they already name a device
func (c Credentials) WithDevice(deviceID string) Credentials {
	if c.DeviceID == "" {
		c.DeviceID = deviceID
	}
	return c
}

// Message is a cloud-to-device command delivered to a session
type Message struct {
	LockToken  string
	MessageID  string
	Properties map[string]string
	Body       []byte
}

// Property looks a property up case-insensitively
func (m Message) Property(name string) (string, bool) {
	if v, ok := m.Properties[name]; ok {
		return v, true
	}
	for k, v := range m.Properties {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Handler receives commands for a device. It must not block.
type Handler func(msg Message)

// Session is an open device session
type Session interface {
	DeviceID() string
	// SendEvent sends a telemetry event with the given application properties
	SendEvent(ctx context.Context, body []byte, properties map[string]string) error
	// Complete settles the command as delivered
	Complete(ctx context.Context, lockToken string) error
	// Abandon releases the command for redelivery
	Abandon(ctx context.Context, lockToken string) error
	// Reject dead-letters the command
	Reject(ctx context.Context, lockToken string) error
	Close() error
}

// Dialer opens device sessions
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, handler Handler) (Session, error)
}
