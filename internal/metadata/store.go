// Package metadata defines the logical record store for nodes and users.
// The store is the single source of truth for existence and sibling
// uniqueness; every node access is scoped to one owner.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/fruitsalade/docvault/internal/models"
)

var (
	ErrNotFound  = errors.New("metadata: not found")
	ErrDuplicate = errors.New("metadata: duplicate")
)

// Summary aggregates one owner's tree.
type Summary struct {
	Files     int
	Folders   int
	TotalSize int64
	// Recent holds the newest files created at or after the requested time.
	Recent []*models.Node
}

// Reader is the read side of an owner-scoped unit of work.
type Reader interface {
	// GetNode returns the node with id, or ErrNotFound.
	GetNode(ctx context.Context, id string) (*models.Node, error)
	// FindNode returns the node named name directly under virtualPath.
	FindNode(ctx context.Context, virtualPath, name string) (*models.Node, error)
	// ListChildren returns the direct children of the folder at virtualPath.
	ListChildren(ctx context.Context, virtualPath string) ([]*models.Node, error)
	// ListSubtree returns every node strictly below fullPath.
	ListSubtree(ctx context.Context, fullPath string) ([]*models.Node, error)
	ListFolders(ctx context.Context) ([]*models.Node, error)
	ListFiles(ctx context.Context) ([]*models.Node, error)
	Summarize(ctx context.Context, since time.Time, limit int) (*Summary, error)
}

// Tx is a read-write unit of work. Nothing is visible to other units until
// the function passed to Store.Update returns nil.
type Tx interface {
	Reader
	// InsertNode stores a new node. A sibling with the same name yields ErrDuplicate.
	InsertNode(ctx context.Context, n *models.Node) error
	// UpdateNode replaces the stored record with the same id.
	UpdateNode(ctx context.Context, n *models.Node) error
	DeleteNode(ctx context.Context, id string) error
	// RebaseSubtree rewrites the virtual path prefix of every node below
	// oldFull to newFull and returns how many nodes changed.
	RebaseSubtree(ctx context.Context, oldFull, newFull string) (int, error)
}

// UserStore holds accounts.
type UserStore interface {
	// CreateUser adds an account. With promoteFirst set, the first account
	// ever created gets the admin role. A taken username yields ErrDuplicate.
	CreateUser(ctx context.Context, username, passwordHash string, promoteFirst bool) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CountUsers(ctx context.Context) (int, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// Store is a metadata backend.
type Store interface {
	UserStore
	// View runs fn in a read-only unit scoped to ownerID.
	View(ctx context.Context, ownerID int64, fn func(Reader) error) error
	// Update runs fn in a read-write unit scoped to ownerID. Units of the same
	// owner are serialized; fn's error aborts the unit.
	Update(ctx context.Context, ownerID int64, fn func(Tx) error) error
	Close() error
}
