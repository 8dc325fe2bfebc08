package vfs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
	"github.com/fruitsalade/docvault/internal/storage"
)

// DeleteResult counts what a recursive delete removed.
type DeleteResult struct {
	Files   int `json:"files"`
	Folders int `json:"folders"`

	// PhysicalErrors lists storage keys that could not be removed. Their
	// records are gone regardless.
	PhysicalErrors []ItemError `json:"-"`

	// Removed holds the ids of every deleted node, root included.
	Removed []string `json:"-"`

	// Node is the deleted node itself.
	Node *models.Node `json:"-"`
}

// postOrder returns root and every node below it, each folder after all of
// its descendants. below holds the subtree of root as listed by the store.
func postOrder(root *models.Node, below []*models.Node) []*models.Node {
	children := make(map[string][]*models.Node)
	for _, n := range below {
		children[n.VirtualPath] = append(children[n.VirtualPath], n)
	}

	type frame struct {
		node     *models.Node
		expanded bool
	}
	order := make([]*models.Node, 0, len(below)+1)
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.node.IsFolder() && !top.expanded {
			stack = append(stack, frame{node: top.node, expanded: true})
			for _, c := range children[top.node.FullPath()] {
				stack = append(stack, frame{node: c})
			}
			continue
		}
		order = append(order, top.node)
	}
	return order
}

// Delete removes a node and, for folders, everything below it. Records go
// first, in one unit; physical removal follows and only reports failures.
func (e *Engine) Delete(ctx context.Context, ownerID int64, nodeID string) (_ *DeleteResult, err error) {
	defer observe("delete", time.Now(), &err)

	unlock := e.lockOwner(ownerID)
	defer unlock()
	return e.delete(ctx, ownerID, nodeID)
}

func (e *Engine) delete(ctx context.Context, ownerID int64, nodeID string) (*DeleteResult, error) {
	var (
		root  *models.Node
		order []*models.Node
	)
	err := e.store.Update(ctx, ownerID, func(tx metadata.Tx) error {
		n, err := tx.GetNode(ctx, nodeID)
		if errors.Is(err, metadata.ErrNotFound) {
			return newError("delete", nodeID, ErrNotFound, nil)
		}
		if err != nil {
			return err
		}
		var below []*models.Node
		if n.IsFolder() {
			if below, err = tx.ListSubtree(ctx, n.FullPath()); err != nil {
				return err
			}
		}
		root = n
		order = postOrder(n, below)
		for _, d := range order {
			if err := tx.DeleteNode(ctx, d.ID); err != nil && !errors.Is(err, metadata.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, asEngineError("delete", nodeID, err)
	}

	res := &DeleteResult{Removed: make([]string, 0, len(order)), Node: root}
	for _, d := range order {
		res.Removed = append(res.Removed, d.ID)
		key := d.StorageKey()
		var perr error
		if d.IsFolder() {
			res.Folders++
			perr = e.backend.RemoveDir(ctx, key)
			if errors.Is(perr, storage.ErrNotEmpty) {
				e.log(ctx).Warn("removing uncatalogued files", zap.String("key", key))
				metrics.RecordPhysicalInconsistency("stray_files")
				perr = e.backend.RemoveAll(ctx, key)
			}
		} else {
			res.Files++
			perr = e.backend.DeleteObject(ctx, key)
		}
		if perr != nil {
			e.log(ctx).Error("physical delete failed", zap.String("key", key), zap.Error(perr))
			res.PhysicalErrors = append(res.PhysicalErrors, ItemError{
				Item: d.FullPath(),
				Err:  newError("delete", d.FullPath(), ErrPhysicalIO, perr),
			})
		}
	}

	e.log(ctx).Info("node deleted",
		zap.Int64("owner", ownerID), zap.String("path", root.FullPath()),
		zap.Int("files", res.Files), zap.Int("folders", res.Folders))
	e.publish(nodeEvent(events.EventDelete, root))
	return res, nil
}

// BulkDeleteResult summarizes a BulkDelete.
type BulkDeleteResult struct {
	// Deleted counts requested ids that no longer exist afterwards.
	Deleted int `json:"deleted"`
	Files   int `json:"files"`
	Folders int `json:"folders"`

	// Failed lists requested ids that could not be deleted.
	Failed []ItemError `json:"-"`

	// PhysicalErrors lists storage keys left behind by deletes that
	// succeeded. Their ids are counted in Deleted.
	PhysicalErrors []ItemError `json:"-"`
}

// BulkDelete deletes every id in nodeIDs. An id already removed by the
// cascade of an earlier id in the same batch counts as deleted.
func (e *Engine) BulkDelete(ctx context.Context, ownerID int64, nodeIDs []string) (_ *BulkDeleteResult, err error) {
	defer observe("bulk_delete", time.Now(), &err)

	if len(nodeIDs) == 0 {
		return nil, validationf("bulk_delete", "", "no items provided")
	}

	unlock := e.lockOwner(ownerID)
	defer unlock()

	res := &BulkDeleteResult{}
	seen := make(map[string]struct{}, len(nodeIDs))
	gone := make(map[string]struct{})
	for _, id := range nodeIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := gone[id]; ok {
			res.Deleted++
			continue
		}
		d, err := e.delete(ctx, ownerID, id)
		if err != nil {
			res.Failed = append(res.Failed, ItemError{Item: id, Err: err})
			continue
		}
		res.Deleted++
		res.Files += d.Files
		res.Folders += d.Folders
		for _, rid := range d.Removed {
			gone[rid] = struct{}{}
		}
		res.PhysicalErrors = append(res.PhysicalErrors, d.PhysicalErrors...)
	}
	metrics.RecordTreeItems("bulk_delete", "deleted", res.Deleted)
	metrics.RecordTreeItems("bulk_delete", "failed", len(res.Failed))
	metrics.RecordTreeItems("bulk_delete", "physical_error", len(res.PhysicalErrors))
	return res, nil
}
