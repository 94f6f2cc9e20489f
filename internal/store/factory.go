package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/db"
)

// New creates the record store selected by the configuration. File storage
// keeps its document in dataDir.
func New(ctx context.Context, cfg *config.Config, dataDir string, opts ...Option) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.GetStorageType() {
	case config.StorageTypeDatabase:
		slog.Info("Using database record store", "host", cfg.Database.Host, "database", cfg.Database.Database)
		sqlDB, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(sqlDB, opts...), nil
	case config.StorageTypeFile:
		path := filepath.Join(dataDir, DatasetsFileName)
		slog.Info("Using file record store", "path", path)
		return NewFileStore(path, opts...)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.GetStorageType())
	}
}
