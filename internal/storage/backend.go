// Package storage defines the Backend interface for the physical mirror of
// the virtual tree. Backends hold blobs and directories; they know nothing
// about nodes, owners or uniqueness.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotEmpty is returned by RemoveDir when the directory still has entries.
var ErrNotEmpty = errors.New("directory not empty")

// Missing objects are reported with fs.ErrNotExist and occupied move
// destinations with fs.ErrExist, so callers test them with errors.Is.

// ObjectInfo describes a stored object or directory.
type ObjectInfo struct {
	Key     string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Backend is the interface for physical storage backends.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject writes body to key, replacing any previous content, and
	// returns the number of bytes stored. size may be -1 when unknown.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) (int64, error)

	// DeleteObject removes an object. A missing object is not an error.
	DeleteObject(ctx context.Context, key string) error

	// MakeDir creates a directory and its parents. Idempotent.
	MakeDir(ctx context.Context, key string) error

	// RemoveDir removes an empty directory. A missing directory is not an
	// error; one with remaining entries yields ErrNotEmpty.
	RemoveDir(ctx context.Context, key string) error

	// RemoveAll removes key and everything below it.
	RemoveAll(ctx context.Context, key string) error

	// Move relocates a file or a whole directory from src to dst.
	Move(ctx context.Context, src, dst string) error

	// Stat describes the object or directory at key.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
