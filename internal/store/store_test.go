package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/socrata-cache/internal/config"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()
		_, err := New(context.Background(), nil, t.TempDir())
		assert.Error(t, err)
	})

	t.Run("file storage by default", func(t *testing.T) {
		t.Parallel()
		s, err := New(context.Background(), &config.Config{}, t.TempDir())
		require.NoError(t, err)
		_, ok := s.(*fileStore)
		assert.True(t, ok)
	})

	t.Run("unknown storage", func(t *testing.T) {
		t.Parallel()
		_, err := New(context.Background(), &config.Config{Storage: &config.StorageConfig{Type: "s3"}}, t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown storage type")
	})
}
