package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/dataset"
	"github.com/stacklok/socrata-cache/internal/notify"
	"github.com/stacklok/socrata-cache/internal/store"
	"github.com/stacklok/socrata-cache/internal/telemetry"
)

// TracerName is the instrumentation name of lifecycle spans
const TracerName = "github.com/stacklok/socrata-cache/lifecycle"

// Option configures the Detector, Publisher and Evictor
type Option func(*engine)

// WithNotifier sets the sink notified after each committed status change
func WithNotifier(n notify.Notifier) Option {
	return func(e *engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *telemetry.EngineMetrics) Option {
	return func(e *engine) {
		e.metrics = m
	}
}

// WithTracerProvider enables tracing of lifecycle operations
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *engine) {
		if tp != nil {
			e.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *engine) {
		if now != nil {
			e.now = now
		}
	}
}

// engine holds what every procedure needs
type engine struct {
	resources []config.ResourceConfig
	store     store.Store
	notifier  notify.Notifier
	metrics   *telemetry.EngineMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

func newEngine(resources []config.ResourceConfig, st store.Store, opts []Option) engine {
	e := engine{
		resources: resources,
		store:     st,
		notifier:  notify.NoopNotifier{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e *engine) resource(resourceID string) (*config.ResourceConfig, bool) {
	for i := range e.resources {
		if e.resources[i].ResourceID == resourceID {
			return &e.resources[i], true
		}
	}
	return nil, false
}

// register inserts a new pending dataset and announces it
func (e *engine) register(ctx context.Context, d *dataset.Dataset) error {
	if err := e.store.Create(ctx, d); err != nil {
		return fmt.Errorf("failed to register dataset for %s: %w", d.ResourceID, err)
	}
	e.metrics.RecordTransition(ctx, d.ResourceID, d.Status.String())
	e.notifier.Notify(ctx, notify.EventFor(d))

	slog.Info("Registered dataset",
		"dataset_id", d.ID,
		"resource_id", d.ResourceID,
		"reference_date", d.ReferenceDate,
		"status", d.Status)
	return nil
}

// transition commits a status change and only then notifies
func (e *engine) transition(ctx context.Context, d *dataset.Dataset, to dataset.Status) (*dataset.Dataset, error) {
	updated, err := e.store.UpdateStatus(ctx, d.ID, to)
	if err != nil {
		return nil, fmt.Errorf("failed to move dataset %s to %s: %w", d.ID, to, err)
	}
	e.metrics.RecordTransition(ctx, updated.ResourceID, to.String())
	e.notifier.Notify(ctx, notify.EventFor(updated))

	slog.Info("Dataset status changed",
		"dataset_id", updated.ID,
		"resource_id", updated.ResourceID,
		"from", d.Status,
		"to", updated.Status)
	return updated, nil
}
