// Package vfs is the tree operations engine. It maps each owner's virtual
// tree, held in a metadata store, onto a physical storage backend and keeps
// the two consistent across create, rename, move and recursive delete.
package vfs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
	"github.com/fruitsalade/docvault/internal/storage"
)

const (
	// RecentWindow and RecentLimit bound the recent files reported by Stats.
	RecentWindow = 7 * 24 * time.Hour
	RecentLimit  = 5
)

// Publisher receives change events after successful mutations.
type Publisher interface {
	Publish(events.Event)
}

// Engine performs tree operations for all owners.
type Engine struct {
	store   metadata.Store
	backend storage.Backend
	locks   *xsync.Map[int64, *sync.Mutex]
	pub     Publisher
	now     func() time.Time
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sends change events to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over a metadata store and a physical backend.
func New(store metadata.Store, backend storage.Backend, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		backend: backend,
		locks:   xsync.NewMap[int64, *sync.Mutex](),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockOwner serializes the physical side effects of one owner's mutations.
func (e *Engine) lockOwner(ownerID int64) func() {
	mu, _ := e.locks.LoadOrStore(ownerID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

func (e *Engine) publish(ev events.Event) {
	if e.pub == nil {
		return
	}
	ev.Timestamp = e.now().Unix()
	e.pub.Publish(ev)
}

func nodeEvent(typ string, n *models.Node) events.Event {
	return events.Event{
		Type:    typ,
		OwnerID: n.OwnerID,
		NodeID:  n.ID,
		Kind:    string(n.Kind),
		Path:    n.FullPath(),
		Size:    n.Size(),
	}
}

func observe(op string, start time.Time, err *error) {
	metrics.RecordTreeOperation(op, time.Since(start), *err)
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logging.WithContext(ctx)
}

// findFolder resolves a folder by its full path. The root is always a folder
// and is represented by a nil node.
func findFolder(ctx context.Context, r metadata.Reader, fullPath string) (*models.Node, bool, error) {
	if fullPath == "/" {
		return nil, true, nil
	}
	parent, name := models.SplitPath(fullPath)
	n, err := r.FindNode(ctx, parent, name)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return n, n.IsFolder(), nil
}

func (e *Engine) key(ownerID int64, fullPath string) string {
	return models.OwnerKey(ownerID, fullPath)
}
