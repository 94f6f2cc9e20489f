package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDirectory(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "downloads")
	dir, err := NewDirectory(root)
	require.NoError(t, err)
	assert.DirExists(t, root)
	assert.Equal(t, root, dir.Root())

	_, err = NewDirectory("")
	require.ErrorIs(t, err, ErrFilesystem)
}

func TestDirectory_WriteStagingAndPromote(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	current := filepath.Join(dir.Root(), "R1.csv")
	staging := filepath.Join(dir.Root(), "R1-staging.csv")
	require.NoError(t, os.WriteFile(current, []byte("old"), 0600))

	n, err := dir.WriteStaging(context.Background(), strings.NewReader("a,b\n1,2\n"), staging)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	require.NoError(t, dir.Promote(staging, current))
	assert.NoFileExists(t, staging)

	data, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestDirectory_WriteStagingCancelled(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = dir.WriteStaging(ctx, strings.NewReader("data"), filepath.Join(dir.Root(), "x.csv"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDirectory_PromoteMissingStaging(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	err = dir.Promote(filepath.Join(dir.Root(), "missing"), filepath.Join(dir.Root(), "current"))
	require.ErrorIs(t, err, ErrFilesystem)
}

func TestDirectory_Compress(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	src := filepath.Join(dir.Root(), "R1.csv")
	dst := filepath.Join(dir.Root(), "R1-staging.csv.gz")
	payload := strings.Repeat("id,name\n1,alpha\n", 100)
	require.NoError(t, os.WriteFile(src, []byte(payload), 0600))

	size, err := dir.Compress(context.Background(), src, dst)
	require.NoError(t, err)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), size)
	assert.Less(t, size, int64(len(payload)))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, "R1.csv", zr.Name)

	var out bytes.Buffer
	_, err = io.Copy(&out, zr)
	require.NoError(t, err)
	assert.Equal(t, payload, out.String())
}

func TestDirectory_CompressMissingSource(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	_, err = dir.Compress(context.Background(), filepath.Join(dir.Root(), "nope"), filepath.Join(dir.Root(), "nope.gz"))
	require.ErrorIs(t, err, ErrFilesystem)
}

func TestDirectory_Remove(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(dir.Root(), "R1.csv")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0600))
	assert.True(t, dir.Exists(path))

	freed, err := dir.Remove(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), freed)
	assert.False(t, dir.Exists(path))

	freed, err = dir.Remove(path)
	require.NoError(t, err)
	assert.Zero(t, freed)
}

func TestDirectory_Size(t *testing.T) {
	t.Parallel()

	dir, err := NewDirectory(t.TempDir())
	require.NoError(t, err)

	size, err := dir.Size()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, os.WriteFile(filepath.Join(dir.Root(), "a.csv"), make([]byte, 100), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir.Root(), "a.csv.gz"), make([]byte, 20), 0600))

	sub := filepath.Join(dir.Root(), "sub")
	require.NoError(t, os.Mkdir(sub, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "ignored"), make([]byte, 1000), 0600))

	size, err = dir.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(120), size)
}
