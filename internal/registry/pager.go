package registry

import (
	"context"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

// Lister fetches a single page of devices
type Lister interface {
	List(ctx context.Context, applicationID, fieldMask string, page, limit int) ([]models.DeviceRecord, error)
}

// Pager walks every page of an application's device listing lazily:
//
//	p := registry.NewPager(client, "app-1", 10)
//	for p.Next(ctx) {
//		d := p.Device()
//	}
//	if err := p.Err(); err != nil { ... }
type Pager struct {
	lister        Lister
	applicationID string
	pageSize      int

	page    int
	buf     []models.DeviceRecord
	current models.DeviceRecord
	done    bool
	err     error
}

// NewPager creates a pager starting at page 1
func NewPager(lister Lister, applicationID string, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &Pager{
		lister:        lister,
		applicationID: applicationID,
		pageSize:      pageSize,
	}
}

// Next advances to the next device, fetching a new page when the buffer is drained.
// It returns false at the end of the listing or on error.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done {
		return false
	}

	if len(p.buf) == 0 {
		p.page++
		devices, err := p.lister.List(ctx, p.applicationID, DefaultFieldMask, p.page, p.pageSize)
		if err != nil {
			p.err = err
			p.done = true
			return false
		}
		if len(devices) == 0 {
			p.done = true
			return false
		}
		p.buf = devices
	}

	p.current = p.buf[0]
	p.buf = p.buf[1:]
	return true
}

// Device returns the current device
func (p *Pager) Device() models.DeviceRecord {
	return p.current
}

// Page returns the last fetched page number
func (p *Pager) Page() int {
	return p.page
}

// Err returns the error that stopped iteration, if any
func (p *Pager) Err() error {
	return p.err
}
