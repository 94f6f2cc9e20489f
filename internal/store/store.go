// Package store persists dataset records. Records are never removed; status
// changes are validated against the dataset lifecycle.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/stacklok/socrata-cache/internal/dataset"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Reader,Store

// ListOptions filters the records returned by List. Zero values match everything.
type ListOptions struct {
	ResourceID    string
	Statuses      []dataset.Status
	ReferenceDate *time.Time
}

// Reader is the read side of the record store
type Reader interface {
	// Get returns the dataset with the given id or dataset.ErrNotFound
	Get(ctx context.Context, id string) (*dataset.Dataset, error)

	// List returns matching datasets ordered by creation time, oldest first
	List(ctx context.Context, opts ListOptions) ([]*dataset.Dataset, error)

	// Ping reports whether the backing storage is reachable
	Ping(ctx context.Context) error
}

// Store is the record store used by the lifecycle engine
type Store interface {
	Reader

	// Create inserts a new dataset record
	Create(ctx context.Context, d *dataset.Dataset) error

	// UpdateStatus moves a dataset to status and refreshes updated_at.
	// It fails with dataset.ErrNotFound for an unknown id and with
	// dataset.ErrInvalidTransition when the lifecycle forbids the change.
	UpdateStatus(ctx context.Context, id string, status dataset.Status) (*dataset.Dataset, error)

	// Close releases the storage
	Close() error
}

// Option configures a store
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for updated_at
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o ListOptions) matches(d *dataset.Dataset) bool {
	if o.ResourceID != "" && d.ResourceID != o.ResourceID {
		return false
	}
	if len(o.Statuses) > 0 && !slices.Contains(o.Statuses, d.Status) {
		return false
	}
	if o.ReferenceDate != nil && !d.ReferenceDate.Equal(*o.ReferenceDate) {
		return false
	}
	return true
}
