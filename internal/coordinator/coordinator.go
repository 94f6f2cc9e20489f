package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/telemetry"
)

// Procedure names
const (
	ProcedureFreshness = "freshness"
	ProcedureDownload  = "download"
	ProcedureRetention = "retention"
)

// Delays before the first run of each procedure after start
const (
	FreshnessStartDelay = 0
	DownloadStartDelay  = 20 * time.Second
	RetentionStartDelay = 20 * time.Second
)

// Coordinator manages background scheduling of the lifecycle procedures
type Coordinator interface {
	// Start schedules every procedure and blocks until ctx is cancelled or
	// Stop is called
	Start(ctx context.Context) error

	// Stop stops scheduling and waits for running procedures to finish
	Stop() error
}

// Procedure is one schedulable unit of work
type Procedure struct {
	Name     string
	Schedule string
	// RunAtStart triggers one run StartDelay after Start, besides the schedule
	RunAtStart bool
	StartDelay time.Duration
	Run        func(ctx context.Context) error
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithMetrics sets the metrics recording the duration of every run
func WithMetrics(metrics *telemetry.EngineMetrics) Option {
	return func(c *defaultCoordinator) {
		c.metrics = metrics
	}
}

// WithLogger sets the logger used by the scheduler
func WithLogger(logger *slog.Logger) Option {
	return func(c *defaultCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type scheduledProcedure struct {
	Procedure
	schedule cron.Schedule
	job      cron.Job
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	procedures []*scheduledProcedure
	metrics    *telemetry.EngineMetrics
	logger     *slog.Logger

	// runCtx carries the values of the Start context without its cancellation
	runCtx context.Context

	// Lifecycle management
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New validates the schedules of procs and creates a coordinator
func New(procs []Procedure, opts ...Option) (Coordinator, error) {
	c := &defaultCoordinator{
		logger: slog.Default(),
		runCtx: context.Background(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	cronLogger := slogLogger{logger: c.logger}
	seen := make(map[string]bool)
	for _, p := range procs {
		if p.Name == "" || p.Run == nil {
			return nil, errors.New("procedure name and run function are required")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate procedure %s", p.Name)
		}
		seen[p.Name] = true

		schedule, err := cron.ParseStandard(p.Schedule)
		if err != nil {
			return nil, fmt.Errorf("procedure %s: invalid schedule %q: %w", p.Name, p.Schedule, err)
		}

		sp := &scheduledProcedure{Procedure: p, schedule: schedule}
		// shared by the schedule and the start trigger so neither overlaps the other
		sp.job = cron.NewChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		).Then(cron.FuncJob(func() { c.runProcedure(sp) }))
		c.procedures = append(c.procedures, sp)
	}

	return c, nil
}

// Procedures builds the three lifecycle procedures from the configured schedules
func Procedures(
	schedules config.SchedulesConfig,
	freshness, download, retention func(ctx context.Context) error,
) []Procedure {
	return []Procedure{
		{
			Name:       ProcedureFreshness,
			Schedule:   schedules.Freshness,
			RunAtStart: true,
			StartDelay: FreshnessStartDelay,
			Run:        freshness,
		},
		{
			Name:       ProcedureDownload,
			Schedule:   schedules.Download,
			RunAtStart: true,
			StartDelay: DownloadStartDelay,
			Run:        download,
		},
		{
			Name:       ProcedureRetention,
			Schedule:   schedules.Retention,
			RunAtStart: true,
			StartDelay: RetentionStartDelay,
			Run:        retention,
		},
	}
}

// Start schedules every procedure and blocks until ctx is done
func (c *defaultCoordinator) Start(ctx context.Context) error {
	slog.Info("Starting lifecycle coordinator", "procedure_count", len(c.procedures))

	coordCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
	c.runCtx = context.WithoutCancel(ctx)
	defer func() {
		close(c.done)
		slog.Info("Lifecycle coordinator shut down")
	}()

	scheduler := cron.New(cron.WithLogger(slogLogger{logger: c.logger}))
	for _, p := range c.procedures {
		scheduler.Schedule(p.schedule, p.job)
		slog.Info("Scheduled procedure", "procedure", p.Name, "schedule", p.Schedule)
	}
	scheduler.Start()

	var triggers sync.WaitGroup
	for _, p := range c.procedures {
		if !p.RunAtStart {
			continue
		}
		triggers.Add(1)
		go func(p *scheduledProcedure) {
			defer triggers.Done()
			timer := time.NewTimer(p.StartDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
				p.job.Run()
			case <-coordCtx.Done():
			}
		}(p)
	}

	<-coordCtx.Done()
	slog.Info("Lifecycle coordinator stopping, waiting for running procedures")

	// the start triggers run jobs inline, so they finish before the scheduler drains
	triggers.Wait()
	<-scheduler.Stop().Done()
	return nil
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping lifecycle coordinator")
		cancel()
		<-c.done
	}
	return nil
}

// runProcedure runs p detached from the coordinator context so a stop never
// interrupts a run halfway
func (c *defaultCoordinator) runProcedure(p *scheduledProcedure) {
	ctx := c.runCtx
	start := time.Now()

	slog.Debug("Procedure started", "procedure", p.Name)
	err := p.Run(ctx)
	duration := time.Since(start)

	c.metrics.RecordCycleDuration(ctx, p.Name, duration, err == nil)
	if err != nil {
		slog.Error("Procedure finished with errors", "procedure", p.Name, "duration", duration, "error", err)
		return
	}
	slog.Info("Procedure finished", "procedure", p.Name, "duration", duration)
}
