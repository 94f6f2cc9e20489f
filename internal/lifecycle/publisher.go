package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/socrata-cache/internal/artifact"
	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/dataset"
	"github.com/stacklok/socrata-cache/internal/otel"
	"github.com/stacklok/socrata-cache/internal/sources"
	"github.com/stacklok/socrata-cache/internal/store"
)

// Publisher downloads pending datasets and promotes them to current artifacts
type Publisher struct {
	engine
	source sources.Source
	dir    *artifact.Directory
}

// NewPublisher creates a Publisher writing into dir
func NewPublisher(
	resources []config.ResourceConfig,
	st store.Store,
	src sources.Source,
	dir *artifact.Directory,
	opts ...Option,
) *Publisher {
	return &Publisher{
		engine: newEngine(resources, st, opts),
		source: src,
		dir:    dir,
	}
}

// Run publishes the oldest pending dataset of every resource in turn
func (p *Publisher) Run(ctx context.Context) error {
	ctx, span := otel.StartSpan(ctx, p.tracer, "lifecycle.Publisher.Run",
		trace.WithAttributes(otel.AttrProcedure.String("download")))
	defer span.End()

	var errs []error
	published := 0
	for i := range p.resources {
		res := &p.resources[i]
		d, err := p.PublishResource(ctx, res)
		if err != nil {
			slog.Error("Publish failed", "resource_id", res.ResourceID, "error", err)
			errs = append(errs, fmt.Errorf("resource %s: %w", res.ResourceID, err))
			continue
		}
		if d != nil {
			published++
		}
	}

	span.SetAttributes(otel.AttrResultCount.Int(published))
	err := errors.Join(errs...)
	otel.RecordError(span, err)
	return err
}

// PublishResource downloads the oldest pending dataset of res. It returns nil
// without error when nothing is pending. On failure after the dataset left
// pending, the dataset is marked failed and its staging files are removed.
func (p *Publisher) PublishResource(ctx context.Context, res *config.ResourceConfig) (*dataset.Dataset, error) {
	ctx, span := otel.StartSpan(ctx, p.tracer, "lifecycle.Publisher.PublishResource",
		trace.WithAttributes(otel.AttrResourceID.String(res.ResourceID)))
	defer span.End()

	d, err := p.publishResource(ctx, res)
	if d != nil {
		span.SetAttributes(otel.AttrDatasetID.String(d.ID), otel.AttrStatus.String(d.Status.String()))
	}
	otel.RecordError(span, err)
	return d, err
}

func (p *Publisher) publishResource(ctx context.Context, res *config.ResourceConfig) (*dataset.Dataset, error) {
	pending, err := p.store.List(ctx, store.ListOptions{
		ResourceID: res.ResourceID,
		Statuses:   []dataset.Status{dataset.StatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending datasets: %w", err)
	}
	if len(pending) == 0 {
		slog.Debug("No pending dataset", "resource_id", res.ResourceID)
		return nil, nil
	}

	d, err := p.transition(ctx, pending[0], dataset.StatusDownloading)
	if err != nil {
		return nil, err
	}

	arts := d.Artifacts(p.dir.Root())
	size, err := p.download(ctx, res, d, arts)
	if err != nil {
		// the failure must be recorded even when ctx was what failed
		failCtx := context.WithoutCancel(ctx)
		p.removeStaging(arts)
		failed, ferr := p.transition(failCtx, d, dataset.StatusFailed)
		if ferr != nil {
			return d, errors.Join(err, ferr)
		}
		return failed, fmt.Errorf("download of dataset %s failed: %w", d.ID, err)
	}

	d, err = p.transition(ctx, d, dataset.StatusDownloaded)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordDownloadSize(ctx, res.ResourceID, size)

	slog.Info("Published dataset",
		"dataset_id", d.ID,
		"resource_id", res.ResourceID,
		"file", arts.Current,
		"size", humanize.Bytes(uint64(max(size, 0))))
	return d, nil
}

// download streams the dataset to its staging file, promotes it, then
// compresses the new current file and promotes the gzip copy
func (p *Publisher) download(
	ctx context.Context, res *config.ResourceConfig, d *dataset.Dataset, arts dataset.Artifacts,
) (int64, error) {
	columns, err := p.source.GetColumns(ctx, res)
	if err != nil {
		return 0, err
	}

	body, err := p.source.OpenDownloadStream(ctx, res, columns)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = body.Close()
	}()

	written, err := p.dir.WriteStaging(ctx, body, arts.Staging)
	if err != nil {
		return 0, err
	}
	slog.Debug("Downloaded staging file",
		"dataset_id", d.ID, "path", arts.Staging, "size", humanize.Bytes(uint64(max(written, 0))))

	if err := p.dir.Promote(arts.Staging, arts.Current); err != nil {
		return 0, err
	}
	if _, err := p.dir.Compress(ctx, arts.Current, arts.StagingGzip); err != nil {
		return 0, err
	}
	if err := p.dir.Promote(arts.StagingGzip, arts.CurrentGzip); err != nil {
		return 0, err
	}
	return written, nil
}

func (p *Publisher) removeStaging(arts dataset.Artifacts) {
	for _, path := range []string{arts.Staging, arts.StagingGzip} {
		if _, err := p.dir.Remove(path); err != nil {
			slog.Warn("Failed to remove staging file", "path", path, "error", err)
		}
	}
}

// RecoverInterrupted marks datasets left downloading by a previous process as
// failed so the next freshness check can register them again
func (p *Publisher) RecoverInterrupted(ctx context.Context) (int, error) {
	stuck, err := p.store.List(ctx, store.ListOptions{Statuses: []dataset.Status{dataset.StatusDownloading}})
	if err != nil {
		return 0, fmt.Errorf("failed to list downloading datasets: %w", err)
	}

	recovered := 0
	var errs []error
	for _, d := range stuck {
		p.removeStaging(d.Artifacts(p.dir.Root()))
		if _, err := p.transition(ctx, d, dataset.StatusFailed); err != nil {
			errs = append(errs, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Warn("Marked interrupted downloads as failed", "count", recovered)
	}
	return recovered, errors.Join(errs...)
}
