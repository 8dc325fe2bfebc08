// Package local provides a local filesystem storage backend rooted at a
// media directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/storage"
)

// LockFile is created in the media root and held while the backend is open.
const LockFile = ".docvault.lock"

func init() {
	storage.Register("local", func(_ context.Context, opts map[string]any) (storage.Backend, error) {
		var cfg Config
		if err := storage.DecodeOptions(opts, &cfg); err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `mapstructure:"root_path"`
	CreateDirs bool   `mapstructure:"create_dirs"`
	// NoLock skips the media-root lock. Only for tools that run next to a
	// live server, such as read-only inspection.
	NoLock bool `mapstructure:"no_lock"`
}

// Backend implements storage.Backend using the local filesystem.
type Backend struct {
	rootPath string
	lock     *flock.Flock
}

// New creates a new local filesystem backend and locks its media root.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	b := &Backend{rootPath: cfg.RootPath}
	if !cfg.NoLock {
		b.lock = flock.New(filepath.Join(cfg.RootPath, LockFile))
		locked, err := b.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock media root: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("media root %s is in use by another process", cfg.RootPath)
		}
	}
	return b, nil
}

func (b *Backend) fullPath(key string) (string, error) {
	// Cleaning a rooted path never climbs above the root.
	sep := string(filepath.Separator)
	rel := strings.TrimPrefix(filepath.Clean(sep+filepath.FromSlash(key)), sep)
	if rel == "" {
		return "", &fs.PathError{Op: "resolve", Path: key, Err: fs.ErrInvalid}
	}
	return filepath.Join(b.rootPath, rel), nil
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordStorageOperation("local", op, time.Since(start), *err == nil)
}

// GetObject reads a file from the local filesystem with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (_ io.ReadCloser, _ int64, err error) {
	defer observe("get_object", time.Now(), &err)
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, &fs.PathError{Op: "open", Path: key, Err: fs.ErrNotExist}
	}

	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	return f, max(totalSize-offset, 0), nil
}

// PutObject writes content to the local filesystem atomically. Missing
// parent directories are created.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) (written int64, err error) {
	defer observe("put_object", time.Now(), &err)
	path, err := b.fullPath(key)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create dirs for %s: %w", key, err)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".docvault-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	written, err = io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename temp to %s: %w", key, err)
	}

	return written, nil
}

// DeleteObject removes a file from the local filesystem.
func (b *Backend) DeleteObject(_ context.Context, key string) (err error) {
	defer observe("delete_object", time.Now(), &err)
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// MakeDir creates a directory and its parents.
func (b *Backend) MakeDir(_ context.Context, key string) (err error) {
	defer observe("make_dir", time.Now(), &err)
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	return nil
}

// RemoveDir removes an empty directory.
func (b *Backend) RemoveDir(_ context.Context, key string) (err error) {
	defer observe("remove_dir", time.Now(), &err)
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", key, err)
	}
	if len(entries) > 0 {
		return &fs.PathError{Op: "rmdir", Path: key, Err: storage.ErrNotEmpty}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rmdir %s: %w", key, err)
	}
	return nil
}

// RemoveAll removes a file or directory tree.
func (b *Backend) RemoveAll(_ context.Context, key string) (err error) {
	defer observe("remove_all", time.Now(), &err)
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove all %s: %w", key, err)
	}
	return nil
}

// Move renames a file or directory, creating the destination's parents.
func (b *Backend) Move(_ context.Context, src, dst string) (err error) {
	defer observe("move", time.Now(), &err)
	srcPath, err := b.fullPath(src)
	if err != nil {
		return err
	}
	dstPath, err := b.fullPath(dst)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(srcPath); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if _, err := os.Lstat(dstPath); err == nil {
		return &fs.PathError{Op: "move", Path: dst, Err: fs.ErrExist}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dst, err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	logging.Debug("local move", zap.String("src", src), zap.String("dst", dst))
	return nil
}

// Stat describes a file or directory.
func (b *Backend) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	oi := storage.ObjectInfo{Key: key, IsDir: info.IsDir(), ModTime: info.ModTime()}
	if !info.IsDir() {
		oi.Size = info.Size()
	}
	return oi, nil
}

// Root returns the media root directory.
func (b *Backend) Root() string { return b.rootPath }

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close releases the media-root lock.
func (b *Backend) Close() error {
	if b.lock == nil {
		return nil
	}
	if err := b.lock.Unlock(); err != nil && !errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("unlock media root: %w", err)
	}
	return nil
}

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
