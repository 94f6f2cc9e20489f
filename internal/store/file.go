package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/stacklok/socrata-cache/internal/dataset"
)

// DatasetsFileName is the name of the JSON document holding all records
const DatasetsFileName = "datasets.json"

type fileDocument struct {
	Datasets []*dataset.Dataset `json:"datasets"`
}

// fileStore keeps every record in memory and rewrites one JSON document on each
// mutation. It assumes a single process owns the file.
type fileStore struct {
	path string
	opts options

	mu      sync.RWMutex
	records []*dataset.Dataset
	byID    map[string]*dataset.Dataset
}

// NewFileStore loads (or creates) the record document at path
func NewFileStore(path string, opts ...Option) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &fileStore{
		path: path,
		opts: newOptions(opts),
		byID: make(map[string]*dataset.Dataset),
	}

	// #nosec G304 -- path is the configured data directory plus a fixed file name
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read dataset records: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse dataset records %s: %w", path, err)
	}
	for _, d := range doc.Datasets {
		if d == nil || d.ID == "" {
			continue
		}
		s.records = append(s.records, d)
		s.byID[d.ID] = d
	}

	return s, nil
}

func (s *fileStore) Get(_ context.Context, id string) (*dataset.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (s *fileStore) List(_ context.Context, opts ListOptions) ([]*dataset.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dataset.Dataset, 0, len(s.records))
	for _, d := range s.records {
		if opts.matches(d) {
			result = append(result, d.Clone())
		}
	}
	// stable: records created in the same instant keep insertion order
	slices.SortStableFunc(result, func(a, b *dataset.Dataset) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (*fileStore) Ping(_ context.Context) error {
	return nil
}

func (s *fileStore) Create(_ context.Context, d *dataset.Dataset) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("dataset id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[d.ID]; exists {
		return fmt.Errorf("dataset %s already exists", d.ID)
	}

	stored := d.Clone()
	s.records = append(s.records, stored)
	s.byID[stored.ID] = stored

	if err := s.persist(); err != nil {
		s.records = s.records[:len(s.records)-1]
		delete(s.byID, stored.ID)
		return err
	}
	return nil
}

func (s *fileStore) UpdateStatus(_ context.Context, id string, status dataset.Status) (*dataset.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
	}
	if err := dataset.ValidateTransition(d.Status, status); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}

	previous := *d
	d.Status = status
	d.UpdatedAt = s.opts.now().UTC()

	if err := s.persist(); err != nil {
		*d = previous
		return nil, err
	}
	return d.Clone(), nil
}

func (*fileStore) Close() error {
	return nil
}

// persist writes the document to a temporary file and renames it into place.
// Callers hold the write lock.
func (s *fileStore) persist() error {
	doc := fileDocument{Datasets: s.records}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset records: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary dataset records: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to replace dataset records: %w", err)
	}

	return nil
}
