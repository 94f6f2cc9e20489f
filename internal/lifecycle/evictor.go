package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/socrata-cache/internal/artifact"
	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/dataset"
	"github.com/stacklok/socrata-cache/internal/otel"
	"github.com/stacklok/socrata-cache/internal/store"
)

// Eviction policy names used in logs and metrics
const (
	PolicyAge  = "age"
	PolicySize = "size"
)

// RetentionPolicy bounds what the Evictor keeps
type RetentionPolicy struct {
	// MaxAge evicts downloaded datasets created longer ago than this
	MaxAge time.Duration
	// MaxBytes caps the total size of the artifact directory
	MaxBytes int64
}

// RetentionPolicyFrom derives the policy from the configured days and gigabytes
func RetentionPolicyFrom(cfg *config.Config) RetentionPolicy {
	return RetentionPolicy{
		MaxAge:   time.Duration(cfg.GetRetentionDays()) * 24 * time.Hour,
		MaxBytes: cfg.GetRetentionSizeBytes(),
	}
}

// EvictionResult summarises one Evictor run
type EvictionResult struct {
	AgeEvicted   int
	SizeEvicted  int
	FilesDeleted int
	BytesFreed   int64
}

// Evictor deletes downloaded datasets by age, then by directory size
type Evictor struct {
	engine
	policy RetentionPolicy
	dir    *artifact.Directory
}

// NewEvictor creates an Evictor for the artifacts in dir
func NewEvictor(
	resources []config.ResourceConfig,
	policy RetentionPolicy,
	st store.Store,
	dir *artifact.Directory,
	opts ...Option,
) *Evictor {
	return &Evictor{
		engine: newEngine(resources, st, opts),
		policy: policy,
		dir:    dir,
	}
}

// evictionRun is the state of one Run: the snapshot of downloaded datasets
// and a running downloaded count per resource
type evictionRun struct {
	snapshot []*dataset.Dataset
	counts   map[string]int
	evicted  map[string]bool
	result   *EvictionResult
	errs     []error
}

// Run applies the age policy and then the size policy to a single snapshot
// of downloaded datasets
func (e *Evictor) Run(ctx context.Context) (*EvictionResult, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "lifecycle.Evictor.Run",
		trace.WithAttributes(otel.AttrProcedure.String("retention")))
	defer span.End()

	snapshot, err := e.store.List(ctx, store.ListOptions{Statuses: []dataset.Status{dataset.StatusDownloaded}})
	if err != nil {
		err = fmt.Errorf("failed to list downloaded datasets: %w", err)
		otel.RecordError(span, err)
		return nil, err
	}

	run := &evictionRun{
		snapshot: snapshot,
		counts:   make(map[string]int),
		evicted:  make(map[string]bool),
		result:   &EvictionResult{},
	}
	for _, d := range snapshot {
		run.counts[d.ResourceID]++
	}

	e.applyAgePolicy(ctx, run)
	e.applySizePolicy(ctx, run)

	result := run.result
	span.SetAttributes(
		otel.AttrResultCount.Int(result.AgeEvicted+result.SizeEvicted),
		otel.AttrBytes.Int64(result.BytesFreed),
	)
	if result.AgeEvicted+result.SizeEvicted > 0 {
		slog.Info("Retention cleanup completed",
			"age_evicted", result.AgeEvicted,
			"size_evicted", result.SizeEvicted,
			"files_deleted", result.FilesDeleted,
			"freed", humanize.Bytes(uint64(max(result.BytesFreed, 0))))
	}

	err = errors.Join(run.errs...)
	otel.RecordError(span, err)
	return result, err
}

func (e *Evictor) retainsLastFile(resourceID string) bool {
	res, ok := e.resource(resourceID)
	return ok && res.RetainLastFile
}

func (e *Evictor) applyAgePolicy(ctx context.Context, run *evictionRun) {
	now := e.now()

	// candidates per resource, oldest first since the snapshot is ordered by creation
	candidates := make(map[string][]*dataset.Dataset)
	var order []string
	for _, d := range run.snapshot {
		if now.Sub(d.CreatedAt) <= e.policy.MaxAge {
			continue
		}
		if _, seen := candidates[d.ResourceID]; !seen {
			order = append(order, d.ResourceID)
		}
		candidates[d.ResourceID] = append(candidates[d.ResourceID], d)
	}

	for _, resourceID := range order {
		list := candidates[resourceID]
		limit := len(list)
		if e.retainsLastFile(resourceID) {
			limit = min(limit, max(0, run.counts[resourceID]-1))
		}
		for _, d := range list[:limit] {
			if _, ok := e.evict(ctx, run, d, PolicyAge); ok {
				run.result.AgeEvicted++
			}
		}
	}
}

func (e *Evictor) applySizePolicy(ctx context.Context, run *evictionRun) {
	total, err := e.dir.Size()
	if err != nil {
		run.errs = append(run.errs, fmt.Errorf("size policy: %w", err))
		return
	}
	if total <= e.policy.MaxBytes {
		return
	}

	excess := total - e.policy.MaxBytes
	slog.Info("Downloads directory over size cap",
		"size", humanize.Bytes(uint64(total)),
		"cap", humanize.Bytes(uint64(max(e.policy.MaxBytes, 0))),
		"excess", humanize.Bytes(uint64(excess)))

	var freed int64
	for _, d := range run.snapshot {
		if freed >= excess {
			break
		}
		if run.evicted[d.ID] {
			continue
		}
		if e.retainsLastFile(d.ResourceID) && run.counts[d.ResourceID] <= 1 {
			continue
		}
		n, ok := e.evict(ctx, run, d, PolicySize)
		if ok {
			run.result.SizeEvicted++
		}
		freed += n
	}

	if freed < excess {
		slog.Warn("Downloads directory still over size cap after eviction",
			"freed", humanize.Bytes(uint64(freed)), "excess", humanize.Bytes(uint64(excess)))
	}
}

// evict deletes the artifacts owned by d and marks it deleted. Files that are
// absent or cannot be deleted are skipped. It returns the bytes freed and
// whether the status change was committed. A dataset whose current pair may be
// replaced by a running download is left untouched until a later run.
func (e *Evictor) evict(ctx context.Context, run *evictionRun, d *dataset.Dataset, policy string) (int64, bool) {
	owner, err := e.currentOwner(ctx, d)
	if err != nil {
		slog.Warn("Cannot tell whether dataset owns the current files, skipping",
			"dataset_id", d.ID, "error", err)
		run.errs = append(run.errs, err)
		return 0, false
	}
	if owner == ownerInFlight {
		slog.Info("Deferring eviction while a download of the resource is running",
			"dataset_id", d.ID, "resource_id", d.ResourceID, "policy", policy)
		return 0, false
	}

	arts := d.Artifacts(e.dir.Root())
	paths := []string{arts.Staging, arts.StagingGzip}
	if owner == ownerCurrent {
		paths = append(paths, arts.Current, arts.CurrentGzip)
	}

	var freed int64
	for _, path := range paths {
		if !e.dir.Exists(path) {
			continue
		}
		n, err := e.dir.Remove(path)
		if err != nil {
			slog.Warn("Failed to delete artifact, skipping",
				"dataset_id", d.ID, "path", path, "error", err)
			continue
		}
		freed += n
		run.result.FilesDeleted++
	}
	run.result.BytesFreed += freed
	e.metrics.RecordEvictedBytes(ctx, policy, freed)

	if _, err := e.transition(ctx, d, dataset.StatusDeleted); err != nil {
		slog.Error("Failed to mark evicted dataset deleted", "dataset_id", d.ID, "error", err)
		run.errs = append(run.errs, err)
		return freed, false
	}

	run.evicted[d.ID] = true
	run.counts[d.ResourceID]--

	slog.Info("Evicted dataset",
		"dataset_id", d.ID,
		"resource_id", d.ResourceID,
		"policy", policy,
		"freed", humanize.Bytes(uint64(max(freed, 0))))
	return freed, true
}

type ownership int

const (
	ownerNone ownership = iota
	ownerCurrent
	// the dataset owns the current pair but a newer download may promote over it
	ownerInFlight
)

// currentOwner tells whether the current artifact pair of d's resource was
// produced by d, i.e. d is the resource's newest downloaded dataset. It reads
// the store rather than the run snapshot so a download published during the run
// is never deleted.
func (e *Evictor) currentOwner(ctx context.Context, d *dataset.Dataset) (ownership, error) {
	records, err := e.store.List(ctx, store.ListOptions{
		ResourceID: d.ResourceID,
		Statuses:   []dataset.Status{dataset.StatusDownloading, dataset.StatusDownloaded},
	})
	if err != nil {
		return ownerNone, fmt.Errorf("failed to list datasets of resource %s: %w", d.ResourceID, err)
	}

	var newest *dataset.Dataset
	inFlight := false
	for _, r := range records {
		switch r.Status {
		case dataset.StatusDownloading:
			inFlight = true
		case dataset.StatusDownloaded:
			newest = r
		}
	}
	switch {
	case newest == nil || newest.ID != d.ID:
		return ownerNone, nil
	case inFlight:
		return ownerInFlight, nil
	default:
		return ownerCurrent, nil
	}
}
