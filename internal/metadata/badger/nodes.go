package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/models"
)

// nodeTx implements metadata.Tx on one Badger transaction.
type nodeTx struct {
	txn     *badger.Txn
	ownerID int64
}

func (t *nodeTx) GetNode(_ context.Context, id string) (*models.Node, error) {
	var n models.Node
	if err := getJSON(t.txn, nodeKey(t.ownerID, id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *nodeTx) lookupID(virtualPath, name string) (string, error) {
	item, err := t.txn.Get(childKey(t.ownerID, virtualPath, name))
	if err == badger.ErrKeyNotFound {
		return "", metadata.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func (t *nodeTx) FindNode(ctx context.Context, virtualPath, name string) (*models.Node, error) {
	id, err := t.lookupID(virtualPath, name)
	if err != nil {
		return nil, err
	}
	return t.GetNode(ctx, id)
}

// scanIndex walks sibling index entries under prefix and loads the nodes
// whose parent path satisfies keep.
func (t *nodeTx) scanIndex(ctx context.Context, prefix []byte, keep func(parent string) bool) ([]*models.Node, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	base := len(ownerPrefix("c", t.ownerID))
	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := it.Item()
		key := item.Key()
		sep := bytes.IndexByte(key[base:], 0)
		if sep < 0 {
			continue
		}
		if !keep(string(key[base : base+sep])) {
			continue
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		ids = append(ids, string(val))
	}

	out := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		n, err := t.GetNode(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("index entry for %s: %w", id, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t *nodeTx) ListChildren(ctx context.Context, virtualPath string) ([]*models.Node, error) {
	return t.scanIndex(ctx, childPrefix(t.ownerID, virtualPath), func(string) bool { return true })
}

// ListSubtree scans every index entry whose parent path starts with
// fullPath and keeps the ones that fall within it segment-wise.
func (t *nodeTx) ListSubtree(ctx context.Context, fullPath string) ([]*models.Node, error) {
	prefix := []byte(ownerPrefix("c", t.ownerID) + fullPath)
	return t.scanIndex(ctx, prefix, func(parent string) bool {
		return models.IsWithin(parent, fullPath)
	})
}

func (t *nodeTx) listKind(kind models.Kind) ([]*models.Node, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(ownerPrefix("n", t.ownerID))
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []*models.Node
	for it.Rewind(); it.Valid(); it.Next() {
		var n models.Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			return nil, err
		}
		if kind == "" || n.Kind == kind {
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VirtualPath != out[j].VirtualPath {
			return out[i].VirtualPath < out[j].VirtualPath
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (t *nodeTx) ListFolders(_ context.Context) ([]*models.Node, error) {
	return t.listKind(models.KindFolder)
}

func (t *nodeTx) ListFiles(_ context.Context) ([]*models.Node, error) {
	return t.listKind(models.KindFile)
}

func (t *nodeTx) Summarize(_ context.Context, since time.Time, limit int) (*metadata.Summary, error) {
	all, err := t.listKind("")
	if err != nil {
		return nil, err
	}
	var sum metadata.Summary
	var recent []*models.Node
	for _, n := range all {
		sum.TotalSize += n.Size()
		if n.IsFolder() {
			sum.Folders++
			continue
		}
		sum.Files++
		if !n.CreatedAt.Before(since) {
			recent = append(recent, n)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		if !recent[i].CreatedAt.Equal(recent[j].CreatedAt) {
			return recent[i].CreatedAt.After(recent[j].CreatedAt)
		}
		return recent[i].ID < recent[j].ID
	})
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	sum.Recent = recent
	return &sum, nil
}

func (t *nodeTx) InsertNode(_ context.Context, n *models.Node) error {
	if n.OwnerID != t.ownerID {
		return fmt.Errorf("insert node %s: owner %d outside unit of owner %d", n.ID, n.OwnerID, t.ownerID)
	}
	if _, err := t.lookupID(n.VirtualPath, n.Name); err == nil {
		return fmt.Errorf("insert node %s: %w", n.FullPath(), metadata.ErrDuplicate)
	} else if err != metadata.ErrNotFound {
		return err
	}
	if _, err := t.txn.Get(nodeKey(t.ownerID, n.ID)); err == nil {
		return fmt.Errorf("insert node id %s: %w", n.ID, metadata.ErrDuplicate)
	}
	if err := setJSON(t.txn, nodeKey(t.ownerID, n.ID), n); err != nil {
		return err
	}
	return t.txn.Set(childKey(t.ownerID, n.VirtualPath, n.Name), []byte(n.ID))
}

func (t *nodeTx) UpdateNode(ctx context.Context, n *models.Node) error {
	old, err := t.GetNode(ctx, n.ID)
	if err != nil {
		return err
	}
	if old.VirtualPath != n.VirtualPath || old.Name != n.Name {
		if id, err := t.lookupID(n.VirtualPath, n.Name); err == nil && id != n.ID {
			return fmt.Errorf("update node %s: %w", n.FullPath(), metadata.ErrDuplicate)
		} else if err != nil && err != metadata.ErrNotFound {
			return err
		}
		if err := t.txn.Delete(childKey(t.ownerID, old.VirtualPath, old.Name)); err != nil {
			return err
		}
		if err := t.txn.Set(childKey(t.ownerID, n.VirtualPath, n.Name), []byte(n.ID)); err != nil {
			return err
		}
	}
	// Owner, kind and creation time are immutable.
	updated := n.Clone()
	updated.OwnerID, updated.Kind, updated.CreatedAt = old.OwnerID, old.Kind, old.CreatedAt
	return setJSON(t.txn, nodeKey(t.ownerID, n.ID), updated)
}

func (t *nodeTx) DeleteNode(ctx context.Context, id string) error {
	n, err := t.GetNode(ctx, id)
	if err != nil {
		return err
	}
	if err := t.txn.Delete(childKey(t.ownerID, n.VirtualPath, n.Name)); err != nil {
		return err
	}
	return t.txn.Delete(nodeKey(t.ownerID, id))
}

func (t *nodeTx) RebaseSubtree(ctx context.Context, oldFull, newFull string) (int, error) {
	nodes, err := t.ListSubtree(ctx, oldFull)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		if err := t.txn.Delete(childKey(t.ownerID, n.VirtualPath, n.Name)); err != nil {
			return 0, err
		}
	}
	for _, n := range nodes {
		n.VirtualPath, _ = models.RebasePath(n.VirtualPath, oldFull, newFull)
		if _, err := t.lookupID(n.VirtualPath, n.Name); err == nil {
			return 0, fmt.Errorf("rebase %s: %w", n.FullPath(), metadata.ErrDuplicate)
		}
		if err := setJSON(t.txn, nodeKey(t.ownerID, n.ID), n); err != nil {
			return 0, err
		}
		if err := t.txn.Set(childKey(t.ownerID, n.VirtualPath, n.Name), []byte(n.ID)); err != nil {
			return 0, err
		}
	}
	return len(nodes), nil
}
