package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

// nodeTx implements metadata.Tx on one database transaction. Every query
// is filtered by ownerID.
type nodeTx struct {
	tx      *sql.Tx
	ownerID int64
}

func (t *nodeTx) queryNodes(ctx context.Context, name, query string, args ...any) ([]*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *nodeTx) queryNode(ctx context.Context, name, query string, args ...any) (*models.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery(name, time.Since(start)) }()

	n, err := scanNode(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func (t *nodeTx) GetNode(ctx context.Context, id string) (*models.Node, error) {
	return t.queryNode(ctx, "get_node",
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND id = $2`,
		t.ownerID, id)
}

func (t *nodeTx) FindNode(ctx context.Context, virtualPath, name string) (*models.Node, error) {
	return t.queryNode(ctx, "find_node",
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND virtual_path = $2 AND name = $3`,
		t.ownerID, virtualPath, name)
}

func (t *nodeTx) ListChildren(ctx context.Context, virtualPath string) ([]*models.Node, error) {
	return t.queryNodes(ctx, "list_children",
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND virtual_path = $2 ORDER BY name`,
		t.ownerID, virtualPath)
}

func (t *nodeTx) ListSubtree(ctx context.Context, fullPath string) ([]*models.Node, error) {
	return t.queryNodes(ctx, "list_subtree",
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE owner_id = $1 AND (virtual_path = $2 OR virtual_path LIKE $3 ESCAPE '\')
		 ORDER BY virtual_path, name`,
		t.ownerID, fullPath, subtreePattern(fullPath))
}

func (t *nodeTx) ListFolders(ctx context.Context) ([]*models.Node, error) {
	return t.queryNodes(ctx, "list_folders",
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND kind = 'folder' ORDER BY virtual_path, name`,
		t.ownerID)
}

func (t *nodeTx) ListFiles(ctx context.Context) ([]*models.Node, error) {
	return t.queryNodes(ctx, "list_files",
		`SELECT `+nodeColumns+` FROM nodes WHERE owner_id = $1 AND kind = 'file' ORDER BY virtual_path, name`,
		t.ownerID)
}

func (t *nodeTx) Summarize(ctx context.Context, since time.Time, limit int) (*metadata.Summary, error) {
	start := time.Now()
	var sum metadata.Summary
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE kind = 'file'),
		        COUNT(*) FILTER (WHERE kind = 'folder'),
		        COALESCE(SUM(size_bytes), 0)
		 FROM nodes WHERE owner_id = $1`,
		t.ownerID).Scan(&sum.Files, &sum.Folders, &sum.TotalSize)
	metrics.RecordDBQuery("summarize", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}

	sum.Recent, err = t.queryNodes(ctx, "recent_files",
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE owner_id = $1 AND kind = 'file' AND created_at >= $2
		 ORDER BY created_at DESC, id LIMIT $3`,
		t.ownerID, since, limit)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (t *nodeTx) InsertNode(ctx context.Context, n *models.Node) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_node", time.Since(start)) }()

	if n.OwnerID != t.ownerID {
		return fmt.Errorf("insert node %s: owner %d outside unit of owner %d", n.ID, n.OwnerID, t.ownerID)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO nodes (`+nodeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.OwnerID, n.Name, string(n.Kind), n.VirtualPath, nullSize(n), nullString(n.MimeType),
		n.IsPublic, n.CreatedAt, n.ModifiedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert node %s: %w", n.FullPath(), metadata.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (t *nodeTx) UpdateNode(ctx context.Context, n *models.Node) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_node", time.Since(start)) }()

	res, err := t.tx.ExecContext(ctx,
		`UPDATE nodes SET name = $3, virtual_path = $4, size_bytes = $5, mime_type = $6,
		                  is_public = $7, modified_at = $8
		 WHERE owner_id = $1 AND id = $2`,
		t.ownerID, n.ID, n.Name, n.VirtualPath, nullSize(n), nullString(n.MimeType), n.IsPublic, n.ModifiedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("update node %s: %w", n.FullPath(), metadata.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

func (t *nodeTx) DeleteNode(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_node", time.Since(start)) }()

	res, err := t.tx.ExecContext(ctx, `DELETE FROM nodes WHERE owner_id = $1 AND id = $2`, t.ownerID, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// RebaseSubtree rewrites descendant paths in a single statement.
func (t *nodeTx) RebaseSubtree(ctx context.Context, oldFull, newFull string) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rebase_subtree", time.Since(start)) }()

	res, err := t.tx.ExecContext(ctx,
		`UPDATE nodes SET virtual_path = $3 || substring(virtual_path from length($2) + 1)
		 WHERE owner_id = $1 AND (virtual_path = $2 OR virtual_path LIKE $4 ESCAPE '\')`,
		t.ownerID, oldFull, newFull, subtreePattern(oldFull))
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("rebase %s: %w", oldFull, metadata.ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("rebase %s -> %s: %w", oldFull, newFull, err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
