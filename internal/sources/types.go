package sources

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/stacklok/socrata-cache/internal/config"
)

// ErrSourceUnavailable is wrapped by every error returned from a Source
var ErrSourceUnavailable = errors.New("source unavailable")

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks -source=types.go Source

// Source is the portal a resource is fetched from
type Source interface {
	// GetLastModified returns the last time the resource data changed upstream
	GetLastModified(ctx context.Context, res *config.ResourceConfig) (time.Time, error)

	// GetColumns returns the resource columns in upstream order, excluded columns removed
	GetColumns(ctx context.Context, res *config.ResourceConfig) ([]string, error)

	// OpenDownloadStream opens the resource content restricted to columns.
	// The caller must close the returned reader.
	OpenDownloadStream(ctx context.Context, res *config.ResourceConfig, columns []string) (io.ReadCloser, error)
}
