// Package artifact manages the downloads directory: staging writes, atomic
// promotion of current files, compression, eviction deletes and sizing.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// ErrFilesystem wraps every failure to create, write, rename or delete an artifact
var ErrFilesystem = errors.New("filesystem error")

// Directory is the single directory holding every artifact
type Directory struct {
	root string
}

// NewDirectory returns the artifact directory rooted at root, creating it if absent
func NewDirectory(root string) (*Directory, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: downloads directory is required", ErrFilesystem)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilesystem, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create downloads directory %s: %v", ErrFilesystem, abs, err)
	}
	return &Directory{root: abs}, nil
}

// Root returns the absolute path of the directory
func (d *Directory) Root() string {
	return d.root
}

// ctxReader stops a copy between chunks once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// WriteStaging streams r into path and flushes it to stable storage.
// It returns the number of bytes written.
func (*Directory) WriteStaging(ctx context.Context, r io.Reader, path string) (int64, error) {
	// #nosec G304 -- path is derived from validated resource ids and generated dataset ids
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create %s: %v", ErrFilesystem, path, err)
	}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		_ = f.Close()
		return n, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, fmt.Errorf("%w: failed to sync %s: %v", ErrFilesystem, path, err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("%w: failed to close %s: %v", ErrFilesystem, path, err)
	}
	return n, nil
}

// Promote replaces current with staging in a single rename, so the directory
// always holds either the previous or the new current file.
func (d *Directory) Promote(staging, current string) error {
	if err := os.Rename(staging, current); err != nil {
		return fmt.Errorf("%w: failed to promote %s to %s: %v", ErrFilesystem, staging, current, err)
	}
	d.syncDir()
	return nil
}

// Compress gzips src into dst at the default compression level and flushes dst
func (*Directory) Compress(ctx context.Context, src, dst string) (int64, error) {
	// #nosec G304 -- src is a promoted artifact path
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open %s: %v", ErrFilesystem, src, err)
	}
	defer in.Close()

	// #nosec G304 -- dst is a staging artifact path
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create %s: %v", ErrFilesystem, dst, err)
	}

	zw, err := gzip.NewWriterLevel(out, gzip.DefaultCompression)
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	zw.Name = filepath.Base(src)

	if _, err := io.Copy(zw, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return 0, fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("%w: failed to finish %s: %v", ErrFilesystem, dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("%w: failed to sync %s: %v", ErrFilesystem, dst, err)
	}

	info, err := out.Stat()
	if err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("%w: failed to stat %s: %v", ErrFilesystem, dst, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("%w: failed to close %s: %v", ErrFilesystem, dst, err)
	}
	return info.Size(), nil
}

// Remove deletes path and returns the bytes freed. An absent file frees
// nothing and is not an error.
func (*Directory) Remove(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to stat %s: %v", ErrFilesystem, path, err)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to remove %s: %v", ErrFilesystem, path, err)
	}
	return info.Size(), nil
}

// Exists reports whether path is present
func (*Directory) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Size returns the total size of the regular files directly inside the directory
func (d *Directory) Size() (int64, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read %s: %v", ErrFilesystem, d.root, err)
	}

	var total int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// syncDir flushes the directory entry after a rename. Failures are logged
// only; the rename itself already happened.
func (d *Directory) syncDir() {
	dir, err := os.Open(d.root)
	if err != nil {
		return
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		slog.Debug("Directory sync failed", "dir", d.root, "error", err)
	}
}
