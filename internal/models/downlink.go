package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LockTokenPrefix marks the correlation id that carries the cloud message lock token
const LockTokenPrefix = "bridge:lock-token:"

// Priority is the network server downlink scheduling priority
type Priority string

const (
	PriorityLowest      Priority = "LOWEST"
	PriorityLow         Priority = "LOW"
	PriorityBelowNormal Priority = "BELOW_NORMAL"
	PriorityNormal      Priority = "NORMAL"
	PriorityAboveNormal Priority = "ABOVE_NORMAL"
	PriorityHigh        Priority = "HIGH"
	PriorityHighest     Priority = "HIGHEST"
)

// ParsePriority parses a priority name, case-insensitive
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PriorityLowest, PriorityLow, PriorityBelowNormal, PriorityNormal,
		PriorityAboveNormal, PriorityHigh, PriorityHighest:
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

// UnmarshalYAML lets method tables use lower-case priority names
func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Queue selects how a downlink is added to the device queue
type Queue string

const (
	// QueuePush appends to the device queue
	QueuePush Queue = "push"
	// QueueReplace replaces any queued downlinks
	QueueReplace Queue = "replace"
)

// ParseQueue parses a queue selector, case-insensitive
func ParseQueue(s string) (Queue, error) {
	q := Queue(strings.ToLower(strings.TrimSpace(s)))
	switch q {
	case QueuePush, QueueReplace:
		return q, nil
	}
	return "", fmt.Errorf("invalid queue %q", s)
}

// UnmarshalYAML accepts any casing of the queue selector
func (q *Queue) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseQueue(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// MaxFPort is the highest application port a downlink may use
const MaxFPort = 223

// DownlinkPayload is either a decoded JSON document or an opaque string
type DownlinkPayload struct {
	Decoded json.RawMessage
	Raw     string
}

// IsDecoded reports whether the payload is a JSON document
func (p DownlinkPayload) IsDecoded() bool {
	return len(p.Decoded) > 0
}

// DownlinkRequest is a downlink built from a cloud command
type DownlinkRequest struct {
	Port             uint8
	Confirmed        bool
	Priority         Priority
	Queue            Queue
	Payload          DownlinkPayload
	CorrelationToken string
}

// Envelope builds the network server downlink queue payload
func (r DownlinkRequest) Envelope() DownlinkEnvelope {
	d := ApplicationDownlink{
		FPort:          r.Port,
		Confirmed:      r.Confirmed,
		Priority:       r.Priority,
		CorrelationIDs: []string{CorrelationID(r.CorrelationToken)},
	}
	if r.Payload.IsDecoded() {
		d.DecodedPayload = r.Payload.Decoded
	} else {
		d.FRMPayload = r.Payload.Raw
	}

	return DownlinkEnvelope{Downlinks: []ApplicationDownlink{d}}
}

// DownlinkEnvelope is the JSON document published on a downlink queue topic
type DownlinkEnvelope struct {
	Downlinks []ApplicationDownlink `json:"downlinks"`
}

// ApplicationDownlink is a single queued downlink
type ApplicationDownlink struct {
	FPort          uint8           `json:"f_port"`
	Confirmed      bool            `json:"confirmed"`
	Priority       Priority        `json:"priority"`
	DecodedPayload json.RawMessage `json:"decoded_payload,omitempty"`
	FRMPayload     string          `json:"frm_payload,omitempty"`
	CorrelationIDs []string        `json:"correlation_ids"`
}

// CorrelationID wraps a lock token into a network server correlation id
func CorrelationID(token string) string {
	return LockTokenPrefix + token
}

// LockTokenFrom returns the lock token carried by the first matching correlation id
func LockTokenFrom(ids []string) (string, bool) {
	for _, id := range ids {
		if strings.HasPrefix(id, LockTokenPrefix) {
			token := strings.TrimPrefix(id, LockTokenPrefix)
			if token != "" {
				return token, true
			}
		}
	}
	return "", false
}
