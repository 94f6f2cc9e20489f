// Package notify delivers dataset status changes to an external sink.
package notify

import (
	"context"
	"time"

	"github.com/stacklok/socrata-cache/internal/dataset"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks -source=notify.go Notifier

// Notifier receives an event after every committed status change. Notify must
// not block the caller and delivery failures are never reported back.
type Notifier interface {
	Notify(ctx context.Context, event Event)
	// Close flushes queued events until ctx is done
	Close(ctx context.Context) error
}

// Event is the payload posted for a status change
type Event struct {
	DatasetID  string         `json:"DatasetId"`
	ResourceID string         `json:"ResourceId"`
	Status     dataset.Status `json:"Status"`
	UpdatedAt  time.Time      `json:"UpdatedAt"`
}

// EventFor builds the event describing the current state of d
func EventFor(d *dataset.Dataset) Event {
	return Event{
		DatasetID:  d.ID,
		ResourceID: d.ResourceID,
		Status:     d.Status,
		UpdatedAt:  d.UpdatedAt,
	}
}

// New returns a webhook notifier for url, or a no-op notifier when url is empty
func New(url string, opts ...WebhookOption) Notifier {
	if url == "" {
		return NoopNotifier{}
	}
	return NewWebhook(url, opts...)
}

// NoopNotifier discards every event
type NoopNotifier struct{}

// Notify implements Notifier
func (NoopNotifier) Notify(context.Context, Event) {}

// Close implements Notifier
func (NoopNotifier) Close(context.Context) error { return nil }
