package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryOptions returns the retry policy for transient physical failures.
// Backoff is exponential from 50ms, three attempts in total.
func RetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(50 * time.Millisecond),
		retry.MaxDelay(500 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// IsTransient reports whether err may succeed on a later attempt. Missing
// objects, occupied destinations, non-empty directories and cancellation
// are final.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrExist),
		errors.Is(err, ErrNotEmpty),
		errors.Is(err, fs.ErrInvalid),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// WithRetry wraps b so that every operation is retried on transient errors.
func WithRetry(b Backend) Backend {
	if _, ok := b.(*retrying); ok {
		return b
	}
	return &retrying{next: b}
}

type retrying struct {
	next Backend
}

type objectResult struct {
	body io.ReadCloser
	size int64
}

func (r *retrying) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	res, err := retry.DoWithData(func() (objectResult, error) {
		body, size, err := r.next.GetObject(ctx, key, offset, length)
		return objectResult{body, size}, err
	}, RetryOptions(ctx)...)
	return res.body, res.size, err
}

// PutObject retries only when body can be rewound.
func (r *retrying) PutObject(ctx context.Context, key string, body io.Reader, size int64) (int64, error) {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return r.next.PutObject(ctx, key, body, size)
	}
	first := true
	return retry.DoWithData(func() (int64, error) {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return 0, retry.Unrecoverable(err)
			}
		}
		first = false
		return r.next.PutObject(ctx, key, body, size)
	}, RetryOptions(ctx)...)
}

func (r *retrying) DeleteObject(ctx context.Context, key string) error {
	return retry.Do(func() error { return r.next.DeleteObject(ctx, key) }, RetryOptions(ctx)...)
}

func (r *retrying) MakeDir(ctx context.Context, key string) error {
	return retry.Do(func() error { return r.next.MakeDir(ctx, key) }, RetryOptions(ctx)...)
}

func (r *retrying) RemoveDir(ctx context.Context, key string) error {
	return retry.Do(func() error { return r.next.RemoveDir(ctx, key) }, RetryOptions(ctx)...)
}

func (r *retrying) RemoveAll(ctx context.Context, key string) error {
	return retry.Do(func() error { return r.next.RemoveAll(ctx, key) }, RetryOptions(ctx)...)
}

func (r *retrying) Move(ctx context.Context, src, dst string) error {
	return retry.Do(func() error { return r.next.Move(ctx, src, dst) }, RetryOptions(ctx)...)
}

func (r *retrying) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	return retry.DoWithData(func() (ObjectInfo, error) { return r.next.Stat(ctx, key) }, RetryOptions(ctx)...)
}

func (r *retrying) Type() string { return r.next.Type() }

func (r *retrying) Close() error { return r.next.Close() }
