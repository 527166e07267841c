package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

// MemoryStore keeps the most recent events in a ring buffer. It is used when no
// database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.EventLog
	next   int
	full   bool
}

// NewMemoryStore creates a store holding up to capacity events
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{events: make([]*models.EventLog, capacity)}
}

// CreateEventLog stores an event, evicting the oldest one when full
func (s *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[s.next] = event
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// ListEventLogs lists matching events, newest first
func (s *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.events)
	}

	var matched []*models.EventLog
	for i := 1; i <= size; i++ {
		e := s.events[(s.next-i+len(s.events))%len(s.events)]
		if filters.match(e) {
			matched = append(matched, e)
		}
	}

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*models.EventLog{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
