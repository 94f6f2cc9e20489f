// Package db opens the PostgreSQL connection pool used by the database record store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/stacklok/socrata-cache/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 10 * time.Second
)

// poolSettings are the database/sql pool limits derived from the configuration
type poolSettings struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

func poolSettingsFrom(cfg *config.DatabaseConfig) (poolSettings, error) {
	s := poolSettings{
		maxOpenConns:    defaultMaxOpenConns,
		maxIdleConns:    defaultMaxIdleConns,
		connMaxLifetime: defaultConnMaxLifetime,
	}
	if cfg.MaxOpenConns > 0 {
		s.maxOpenConns = int(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		s.maxIdleConns = int(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return s, fmt.Errorf("invalid connection max lifetime: %w", err)
		}
		s.connMaxLifetime = d
	}
	return s, nil
}

// Open connects to PostgreSQL through the pgx database/sql driver and verifies the connection
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}

	settings, err := poolSettingsFrom(cfg)
	if err != nil {
		return nil, err
	}

	connStr, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}
	connStr = fmt.Sprintf("%s&connect_timeout=%d", connStr, int(defaultConnectTimeout.Seconds()))

	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	sqlDB.SetMaxOpenConns(settings.maxOpenConns)
	sqlDB.SetMaxIdleConns(settings.maxIdleConns)
	sqlDB.SetConnMaxLifetime(settings.connMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			slog.Error("Failed to close database connection after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connection established",
		"user", cfg.User,
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
	)

	return sqlDB, nil
}
