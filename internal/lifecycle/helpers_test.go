package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/socrata-cache/internal/artifact"
	"github.com/stacklok/socrata-cache/internal/config"
	"github.com/stacklok/socrata-cache/internal/dataset"
	sourcemocks "github.com/stacklok/socrata-cache/internal/sources/mocks"
	"github.com/stacklok/socrata-cache/internal/store"
)

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	clock  *testClock
	store  store.Store
	dir    *artifact.Directory
	source *sourcemocks.MockSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: baseTime}
	root := t.TempDir()

	st, err := store.NewFileStore(filepath.Join(root, "data", store.DatasetsFileName), store.WithClock(clock.Now))
	require.NoError(t, err)

	dir, err := artifact.NewDirectory(filepath.Join(root, "downloads"))
	require.NoError(t, err)

	return &fixture{
		t:      t,
		clock:  clock,
		store:  st,
		dir:    dir,
		source: sourcemocks.NewMockSource(gomock.NewController(t)),
	}
}

func (f *fixture) opts(extra ...Option) []Option {
	return append([]Option{WithClock(f.clock.Now)}, extra...)
}

// seed inserts a csv dataset in the given status, one minute after the previous one
func (f *fixture) seed(resourceID string, status dataset.Status, referenceDate time.Time) *dataset.Dataset {
	f.t.Helper()
	return f.seedTyped(resourceID, config.ResourceTypeCSV, status, referenceDate)
}

func (f *fixture) seedTyped(resourceID, fileType string, status dataset.Status, referenceDate time.Time) *dataset.Dataset {
	f.t.Helper()
	f.clock.Advance(time.Minute)
	d := dataset.New(resourceID, fileType, referenceDate, f.clock.Now())
	d.Status = status
	require.NoError(f.t, f.store.Create(context.Background(), d))
	return d
}

func (f *fixture) writeFile(name string, size int) string {
	f.t.Helper()
	path := filepath.Join(f.dir.Root(), name)
	require.NoError(f.t, os.WriteFile(path, make([]byte, size), 0600))
	return path
}

// writeCurrent writes the current pair of d's resource
func (f *fixture) writeCurrent(d *dataset.Dataset, rawSize, gzSize int) dataset.Artifacts {
	f.t.Helper()
	arts := d.Artifacts(f.dir.Root())
	f.writeFile(filepath.Base(arts.Current), rawSize)
	f.writeFile(filepath.Base(arts.CurrentGzip), gzSize)
	return arts
}

func (f *fixture) status(id string) dataset.Status {
	f.t.Helper()
	d, err := f.store.Get(context.Background(), id)
	require.NoError(f.t, err)
	return d.Status
}

func (f *fixture) list(resourceID string, statuses ...dataset.Status) []*dataset.Dataset {
	f.t.Helper()
	list, err := f.store.List(context.Background(), store.ListOptions{ResourceID: resourceID, Statuses: statuses})
	require.NoError(f.t, err)
	return list
}

// activeCount is the number of pending or downloading datasets of a resource
func (f *fixture) activeCount(resourceID string) int {
	return len(f.list(resourceID, dataset.StatusPending, dataset.StatusDownloading))
}
