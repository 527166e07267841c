// Package storage records the delivery audit log.
package storage

import (
	"context"
	"time"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

// Store records routing outcomes
type Store interface {
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	ApplicationID *string
	DeviceID      *string
	Type          *models.EventType
	Level         *models.EventLevel
	StartTime     *time.Time
	EndTime       *time.Time
}

func (f EventLogFilters) match(e *models.EventLog) bool {
	switch {
	case f.ApplicationID != nil && e.ApplicationID != *f.ApplicationID:
		return false
	case f.DeviceID != nil && e.DeviceID != *f.DeviceID:
		return false
	case f.Type != nil && e.Type != *f.Type:
		return false
	case f.Level != nil && e.Level != *f.Level:
		return false
	case f.StartTime != nil && e.CreatedAt.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.CreatedAt.After(*f.EndTime):
		return false
	}
	return true
}
