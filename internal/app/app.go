// Package app provides application lifecycle management for the dataset cache.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/coordinator"
)

// CacheApp encapsulates all components needed to run the dataset cache
// It provides lifecycle management and graceful shutdown capabilities
type CacheApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server
	lock       *flock.Flock
}

// Start starts the HTTP server and the lifecycle coordinator
// This method blocks until both have stopped or one of them fails
func (app *CacheApp) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, listener)
}

// Serve is Start over an existing listener
func (app *CacheApp) Serve(ctx context.Context, listener net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := app.components.Coordinator.Start(gctx); err != nil {
			return fmt.Errorf("lifecycle coordinator failed: %w", err)
		}
		return nil
	})

	serverDone := make(chan struct{})
	g.Go(func() error {
		defer close(serverDone)
		slog.Info("Server listening", "address", listener.Addr().String())
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	// the server does not watch gctx
	g.Go(func() error {
		select {
		case <-serverDone:
			return nil
		case <-gctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		_ = app.httpServer.Shutdown(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// RunProcedure runs one lifecycle procedure once, outside the scheduler
func (app *CacheApp) RunProcedure(ctx context.Context, name string) error {
	c := app.components
	switch name {
	case coordinator.ProcedureFreshness:
		return c.Detector.Run(ctx)
	case coordinator.ProcedureDownload:
		return c.Publisher.Run(ctx)
	case coordinator.ProcedureRetention:
		_, err := c.Evictor.Run(ctx)
		return err
	default:
		return fmt.Errorf("unknown procedure %q, expected one of %s, %s or %s",
			name, coordinator.ProcedureFreshness, coordinator.ProcedureDownload, coordinator.ProcedureRetention)
	}
}

// Stop gracefully stops the application with the given timeout
// Components are released in reverse order of construction
func (app *CacheApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	if err := app.components.Coordinator.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop lifecycle coordinator: %w", err))
	}

	if err := app.components.Notifier.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush notifications: %w", err))
	}

	if err := app.components.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close record store: %w", err))
	}

	if err := app.components.Telemetry.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown telemetry: %w", err))
	}

	if app.lock != nil {
		if err := app.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release instance lock: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *CacheApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing)
func (app *CacheApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
