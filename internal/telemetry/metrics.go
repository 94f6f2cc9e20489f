package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// EngineMetricsMeterName is the name used for the lifecycle engine meter
	EngineMetricsMeterName = "github.com/stacklok/socrata-cache/lifecycle"
)

// EngineMetrics holds the OpenTelemetry instruments of the detector, publisher and evictor
type EngineMetrics struct {
	cycleDuration  metric.Float64Histogram
	transitions    metric.Int64Counter
	evictedBytes   metric.Int64Counter
	downloadedSize metric.Int64Histogram
}

// NewEngineMetrics creates a new EngineMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewEngineMetrics(provider metric.MeterProvider) (*EngineMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(EngineMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"socrata_cache_cycle_duration_seconds",
		metric.WithDescription("Duration of detector, publisher and evictor runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"socrata_cache_dataset_transitions_total",
		metric.WithDescription("Dataset status transitions committed to the store"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	evictedBytes, err := meter.Int64Counter(
		"socrata_cache_evicted_bytes_total",
		metric.WithDescription("Bytes freed by the retention evictor"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	downloadedSize, err := meter.Int64Histogram(
		"socrata_cache_download_size_bytes",
		metric.WithDescription("Size of published raw artifacts"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<20, 10<<20, 100<<20, 1<<30, 10<<30),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		cycleDuration:  cycleDuration,
		transitions:    transitions,
		evictedBytes:   evictedBytes,
		downloadedSize: downloadedSize,
	}, nil
}

// RecordCycleDuration records how long one run of a procedure took
func (m *EngineMetrics) RecordCycleDuration(ctx context.Context, procedure string, duration time.Duration, success bool) {
	if m == nil || m.cycleDuration == nil {
		return
	}

	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("procedure", procedure),
		attribute.Bool("success", success),
	))
}

// RecordTransition counts a committed status change
func (m *EngineMetrics) RecordTransition(ctx context.Context, resourceID, status string) {
	if m == nil || m.transitions == nil {
		return
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("status", status),
	))
}

// RecordEvictedBytes counts bytes freed by one retention policy
func (m *EngineMetrics) RecordEvictedBytes(ctx context.Context, policy string, bytes int64) {
	if m == nil || m.evictedBytes == nil || bytes <= 0 {
		return
	}

	m.evictedBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordDownloadSize records the size of a freshly published raw artifact
func (m *EngineMetrics) RecordDownloadSize(ctx context.Context, resourceID string, bytes int64) {
	if m == nil || m.downloadedSize == nil {
		return
	}

	m.downloadedSize.Record(ctx, bytes, metric.WithAttributes(attribute.String("resource_id", resourceID)))
}
