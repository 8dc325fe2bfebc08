// Package postgres provides a PostgreSQL-backed metadata store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// userLockKey is the advisory lock taken while creating accounts. Owner ids
// start at 1, so it never collides with an owner's lock.
const userLockKey = 0

const nodeColumns = `id, owner_id, name, kind, virtual_path, size_bytes, mime_type, is_public, created_at, modified_at`

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

var _ metadata.Store = (*Store)(nil)

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs the embedded SQL migrations in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", path.Base(f)))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, ownerID int64, fn func(metadata.Reader) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&nodeTx{tx: tx, ownerID: ownerID}); err != nil {
		return err
	}
	return tx.Commit()
}

// Update runs fn inside a transaction holding the owner's advisory lock, so
// units of one owner are serialized across server processes.
func (s *Store) Update(ctx context.Context, ownerID int64, fn func(metadata.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ownerID); err != nil {
		return fmt.Errorf("lock owner %d: %w", ownerID, err)
	}
	if err := fn(&nodeTx{tx: tx, ownerID: ownerID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// escapeLike escapes LIKE metacharacters so a path matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// subtreePattern matches every virtual path strictly below fullPath.
func subtreePattern(fullPath string) string {
	return escapeLike(fullPath) + "/%"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.Node, error) {
	var (
		n        models.Node
		kind     string
		size     sql.NullInt64
		mimeType sql.NullString
	)
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Name, &kind, &n.VirtualPath, &size, &mimeType,
		&n.IsPublic, &n.CreatedAt, &n.ModifiedAt); err != nil {
		return nil, err
	}
	n.Kind = models.Kind(kind)
	if size.Valid {
		n.SetSize(size.Int64)
	}
	n.MimeType = mimeType.String
	n.CreatedAt = n.CreatedAt.UTC()
	n.ModifiedAt = n.ModifiedAt.UTC()
	return &n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullSize(n *models.Node) sql.NullInt64 {
	if n.SizeBytes == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n.SizeBytes, Valid: true}
}
