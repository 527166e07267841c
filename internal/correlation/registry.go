// Package correlation tracks published downlinks until the network server reports
// their delivery outcome.
package correlation

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateToken is returned when a token is registered twice
	ErrDuplicateToken = errors.New("duplicate correlation token")
	// ErrUnknownToken is returned when a token has no pending entry
	ErrUnknownToken = errors.New("unknown correlation token")
)

// Entry binds a correlation token to the device that sent the downlink
type Entry struct {
	Token         string
	ApplicationID string
	DeviceID      string
	Confirmed     bool
	CreatedAt     time.Time
}

// Registry is a concurrent token -> Entry map with remove-on-resolve semantics
type Registry struct {
	entries sync.Map
	count   atomic.Int64
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Register stores the entry and returns its token. An empty token is replaced by a
// fresh one.
func (r *Registry) Register(e Entry) (string, error) {
	if e.Token == "" {
		e.Token = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	if _, loaded := r.entries.LoadOrStore(e.Token, e); loaded {
		return "", ErrDuplicateToken
	}

	r.count.Add(1)
	return e.Token, nil
}

// Resolve removes and returns the entry for token. Concurrent resolutions of the same
// token return the entry to exactly one caller.
func (r *Registry) Resolve(token string) (Entry, error) {
	v, ok := r.entries.LoadAndDelete(token)
	if !ok {
		return Entry{}, ErrUnknownToken
	}

	r.count.Add(-1)
	return v.(Entry), nil
}

// Peek returns the entry without removing it
func (r *Registry) Peek(token string) (Entry, bool) {
	v, ok := r.entries.Load(token)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Len returns the number of pending entries
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Expire drops entries created before the cutoff and returns them
func (r *Registry) Expire(before time.Time) []Entry {
	var expired []Entry

	r.entries.Range(func(key, value interface{}) bool {
		e := value.(Entry)
		if !e.CreatedAt.Before(before) {
			return true
		}
		// Resolve may have won the race
		if _, ok := r.entries.LoadAndDelete(key); ok {
			r.count.Add(-1)
			expired = append(expired, e)
		}
		return true
	})

	return expired
}
