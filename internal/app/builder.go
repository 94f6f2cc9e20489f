package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/flock"

	"github.com/stacklok/socrata-cache/internal/api"
	"github.com/stacklok/socrata-cache/internal/artifact"
	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/coordinator"
	"github.com/stacklok/socrata-cache/internal/httpclient"
	"github.com/stacklok/socrata-cache/internal/lifecycle"
	"github.com/stacklok/socrata-cache/internal/notify"
	"github.com/stacklok/socrata-cache/internal/sources"
	"github.com/stacklok/socrata-cache/internal/store"
	"github.com/stacklok/socrata-cache/internal/telemetry"
)

const (
	defaultDataDir         = "./data"
	defaultHTTPAddress     = ":8080"
	defaultRequestTimeout  = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	// DownloadsDirName is the downloads directory under the data directory
	// used when no downloads directory is configured
	DownloadsDirName = "downloads"

	// LockFileName is the instance lock kept in the data directory
	LockFileName = "socrata-cache.lock"
)

// CacheAppOptions is a function that configures the cache app builder
type CacheAppOptions func(*cacheAppConfig) error

// cacheAppConfig collects the builder inputs
// It supports dependency injection for testing while providing sensible defaults for production
type cacheAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	store     store.Store
	source    sources.Source
	notifier  notify.Notifier
	telemetry *telemetry.Telemetry

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	dataDir      string
	downloadsDir string
}

func baseConfig(opts ...CacheAppOptions) (*cacheAppConfig, error) {
	cfg := &cacheAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
		dataDir:        defaultDataDir,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.downloadsDir == "" {
		cfg.downloadsDir = filepath.Join(cfg.dataDir, DownloadsDirName)
	}

	return cfg, nil
}

// NewCacheApp builds every component of the dataset cache
//
// The data directory is locked for the lifetime of the app, and datasets left
// downloading by a previous process are marked failed before anything is scheduled.
func NewCacheApp(
	ctx context.Context,
	opts ...CacheAppOptions,
) (app *CacheApp, err error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	lock, err := acquireInstanceLock(cfg.dataDir)
	if err != nil {
		return nil, err
	}

	components := &AppComponents{}

	// Ensure cleanup happens on error
	defer func() {
		if err == nil {
			return
		}
		if components.Store != nil && cfg.store == nil {
			_ = components.Store.Close()
		}
		if components.Telemetry != nil && cfg.telemetry == nil {
			_ = components.Telemetry.Shutdown(context.WithoutCancel(ctx))
		}
		_ = lock.Unlock()
	}()

	if err = buildInfrastructure(ctx, cfg, components); err != nil {
		return nil, err
	}

	if err = buildLifecycleComponents(ctx, cfg, components); err != nil {
		return nil, fmt.Errorf("failed to build lifecycle components: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	logConfigSummary(cfg)

	return &CacheApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		lock:       lock,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		parts := strings.SplitN(addr, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		host, port := parts[0], parts[1]
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithDataDirectory sets the directory of the record file and the instance lock
func WithDataDirectory(dir string) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		if dir == "" {
			return fmt.Errorf("data directory cannot be empty")
		}
		cfg.dataDir = dir
		return nil
	}
}

// WithDownloadsDirectory sets the directory holding dataset artifacts
func WithDownloadsDirectory(dir string) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.downloadsDir = dir
		return nil
	}
}

// WithStore allows injecting a record store (for testing)
func WithStore(st store.Store) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.store = st
		return nil
	}
}

// WithSource allows injecting the dataset source (for testing)
func WithSource(src sources.Source) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.source = src
		return nil
	}
}

// WithNotifier allows injecting the status change notifier (for testing)
func WithNotifier(n notify.Notifier) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.notifier = n
		return nil
	}
}

// WithTelemetry allows injecting already initialized telemetry providers
func WithTelemetry(t *telemetry.Telemetry) CacheAppOptions {
	return func(cfg *cacheAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// acquireInstanceLock takes the lock file in dataDir without blocking
func acquireInstanceLock(dataDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another socrata-cache instance is using %s", dataDir)
	}
	return lock, nil
}

// buildInfrastructure builds telemetry, the record store and the notifier
func buildInfrastructure(ctx context.Context, b *cacheAppConfig, c *AppComponents) error {
	var err error

	c.Telemetry = b.telemetry
	if c.Telemetry == nil {
		c.Telemetry, err = telemetry.New(ctx, b.config.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	c.Store = b.store
	if c.Store == nil {
		c.Store, err = store.New(ctx, b.config, b.dataDir)
		if err != nil {
			return fmt.Errorf("failed to create record store: %w", err)
		}
	}

	c.Notifier = b.notifier
	if c.Notifier == nil {
		c.Notifier = notify.New(b.config.WebhookURL)
	}

	return nil
}

// buildLifecycleComponents builds the detector, publisher, evictor and the coordinator driving them
func buildLifecycleComponents(ctx context.Context, b *cacheAppConfig, c *AppComponents) error {
	slog.Info("Initializing lifecycle components")

	dir, err := artifact.NewDirectory(b.downloadsDir)
	if err != nil {
		return err
	}

	src := b.source
	if src == nil {
		client := httpclient.NewDefaultClient(
			httpclient.WithAppToken(b.config.AppToken),
			httpclient.WithRateLimit(b.config.GetRequestsPerSecond()),
		)
		src = sources.NewSocrataSource(client, b.config.GetBaseURL())
	}

	metrics, err := telemetry.NewEngineMetrics(c.Telemetry.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create engine metrics: %w", err)
	}

	engineOpts := []lifecycle.Option{
		lifecycle.WithNotifier(c.Notifier),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithTracerProvider(c.Telemetry.TracerProvider()),
	}
	resources := b.config.Resources

	c.Detector = lifecycle.NewDetector(resources, c.Store, src, engineOpts...)
	c.Publisher = lifecycle.NewPublisher(resources, c.Store, src, dir, engineOpts...)
	c.Evictor = lifecycle.NewEvictor(resources, lifecycle.RetentionPolicyFrom(b.config), c.Store, dir, engineOpts...)

	if _, err := c.Publisher.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted downloads: %w", err)
	}

	procs := coordinator.Procedures(b.config.GetSchedules(),
		c.Detector.Run,
		c.Publisher.Run,
		func(ctx context.Context) error {
			_, err := c.Evictor.Run(ctx)
			return err
		},
	)
	c.Coordinator, err = coordinator.New(procs, coordinator.WithMetrics(metrics))
	if err != nil {
		return err
	}

	slog.Info("Lifecycle components initialized successfully", "downloads_dir", dir.Root())
	return nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *cacheAppConfig, c *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	middlewares := b.middlewares
	if middlewares == nil {
		middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	instrumentation, err := telemetry.NewAPIInstrumentation(c.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create API instrumentation: %w", err)
	}
	// instrumentation comes first to capture every request
	middlewares = append([]func(http.Handler) http.Handler{instrumentation.Middleware}, middlewares...)

	serverOpts := []api.ServerOption{api.WithMiddlewares(middlewares...)}
	if h := c.Telemetry.MetricsHandler(); h != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(h))
	}

	server := &http.Server{
		Addr:         b.address,
		Handler:      api.NewServer(c.Store, serverOpts...),
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}

func logConfigSummary(b *cacheAppConfig) {
	cfg := b.config
	slog.Info("Configuration loaded",
		"base_url", cfg.GetBaseURL(),
		"resources", len(cfg.Resources),
		"retention_days", cfg.GetRetentionDays(),
		"retention_size", humanize.IBytes(uint64(max(cfg.GetRetentionSizeBytes(), 0))),
		"storage", cfg.GetStorageType(),
		"webhook", cfg.WebhookURL != "",
		"downloads_dir", b.downloadsDir,
	)
}
