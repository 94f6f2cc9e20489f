package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/dataset"
	"github.com/stacklok/socrata-cache/internal/otel"
	"github.com/stacklok/socrata-cache/internal/sources"
	"github.com/stacklok/socrata-cache/internal/store"
)

// Detector registers pending datasets for new upstream versions
type Detector struct {
	engine
	source sources.Source
}

// NewDetector creates a Detector over resources
func NewDetector(resources []config.ResourceConfig, st store.Store, src sources.Source, opts ...Option) *Detector {
	return &Detector{
		engine: newEngine(resources, st, opts),
		source: src,
	}
}

// Run checks every resource in turn. A failing resource is logged and does
// not stop the others; all failures are returned joined.
func (d *Detector) Run(ctx context.Context) error {
	ctx, span := otel.StartSpan(ctx, d.tracer, "lifecycle.Detector.Run",
		trace.WithAttributes(otel.AttrProcedure.String("freshness")))
	defer span.End()

	var errs []error
	registered := 0
	for i := range d.resources {
		res := &d.resources[i]
		ok, err := d.CheckResource(ctx, res)
		if err != nil {
			slog.Error("Freshness check failed", "resource_id", res.ResourceID, "error", err)
			errs = append(errs, fmt.Errorf("resource %s: %w", res.ResourceID, err))
			continue
		}
		if ok {
			registered++
		}
	}

	span.SetAttributes(otel.AttrResultCount.Int(registered))
	err := errors.Join(errs...)
	otel.RecordError(span, err)
	return err
}

// resourceState summarises the records of one resource
type resourceState struct {
	known       bool
	downloaded  int
	downloading bool
	pending     []*dataset.Dataset
}

func stateOf(records []*dataset.Dataset, referenceDate time.Time) resourceState {
	var s resourceState
	for _, r := range records {
		switch r.Status {
		case dataset.StatusPending:
			s.pending = append(s.pending, r)
		case dataset.StatusDownloading:
			s.downloading = true
		case dataset.StatusDownloaded:
			s.downloaded++
		}
		if isKnownStatus(r.Status) && r.ReferenceDate.Equal(referenceDate) {
			s.known = true
		}
	}
	return s
}

// isKnownStatus reports whether a record in status s makes its reference
// date known. Failed and obsolete attempts do not, so they are retried.
func isKnownStatus(s dataset.Status) bool {
	switch s {
	case dataset.StatusPending, dataset.StatusDownloading, dataset.StatusDownloaded, dataset.StatusDeleted:
		return true
	default:
		return false
	}
}

// CheckResource asks the portal for the resource's reference date and
// registers a pending dataset when it is new. A known date is registered again
// only for retainLastFile resources that have lost every downloaded file.
func (d *Detector) CheckResource(ctx context.Context, res *config.ResourceConfig) (bool, error) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "lifecycle.Detector.CheckResource",
		trace.WithAttributes(otel.AttrResourceID.String(res.ResourceID)))
	defer span.End()

	registered, err := d.checkResource(ctx, res)
	otel.RecordError(span, err)
	return registered, err
}

func (d *Detector) checkResource(ctx context.Context, res *config.ResourceConfig) (bool, error) {
	lastModified, err := d.source.GetLastModified(ctx, res)
	if err != nil {
		return false, err
	}
	// stores keep microsecond precision
	referenceDate := lastModified.UTC().Truncate(time.Microsecond)

	records, err := d.store.List(ctx, store.ListOptions{ResourceID: res.ResourceID})
	if err != nil {
		return false, fmt.Errorf("failed to list datasets: %w", err)
	}
	state := stateOf(records, referenceDate)

	if state.downloading {
		slog.Debug("Download in progress, deferring freshness registration",
			"resource_id", res.ResourceID, "reference_date", referenceDate)
		return false, nil
	}

	if state.known {
		if !res.RetainLastFile || state.downloaded > 0 || len(state.pending) > 0 {
			slog.Debug("Reference date already known", "resource_id", res.ResourceID, "reference_date", referenceDate)
			return false, nil
		}
		slog.Info("Resource retains its last file but has none, registering again",
			"resource_id", res.ResourceID, "reference_date", referenceDate)
	}

	for _, p := range state.pending {
		if _, err := d.transition(ctx, p, dataset.StatusObsolete); err != nil {
			return false, err
		}
	}

	fresh := dataset.New(res.ResourceID, res.GetType(), referenceDate, d.now())
	if err := d.register(ctx, fresh); err != nil {
		return false, err
	}
	return true, nil
}
