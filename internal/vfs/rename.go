package vfs

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

// relocate moves the physical counterpart of a node from oldKey to newKey.
// A missing source is a pre-existing inconsistency: folders get their
// directory re-created at the destination, files are only logged. It
// reports whether anything was actually moved.
func (e *Engine) relocate(ctx context.Context, n *models.Node, oldKey, newKey string) (bool, error) {
	err := e.backend.Move(ctx, oldKey, newKey)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	metrics.RecordPhysicalInconsistency("missing_source")
	if n.IsFolder() {
		e.log(ctx).Warn("folder directory missing, re-creating at destination",
			zap.String("id", n.ID), zap.String("key", oldKey), zap.String("dst", newKey))
		return false, e.backend.MakeDir(ctx, newKey)
	}
	e.log(ctx).Warn("file blob missing, moving record only",
		zap.String("id", n.ID), zap.String("key", oldKey))
	return false, nil
}

// moveBack undoes a physical relocation after the logical update failed.
func (e *Engine) moveBack(ctx context.Context, newKey, oldKey string) {
	if err := e.backend.Move(ctx, newKey, oldKey); err != nil {
		metrics.RecordPhysicalInconsistency("rollback_failed")
		e.log(ctx).Error("could not restore physical location",
			zap.String("from", newKey), zap.String("to", oldKey), zap.Error(err))
	}
}

// Rename changes a node's name in place. Descendants of a folder stay
// reachable under its new path.
func (e *Engine) Rename(ctx context.Context, ownerID int64, nodeID, newName string) (_ *models.Node, err error) {
	defer observe("rename", time.Now(), &err)

	if verr := models.ValidateName(newName); verr != nil {
		return nil, newError("rename", nodeID, ErrValidation, verr)
	}

	unlock := e.lockOwner(ownerID)
	defer unlock()

	var (
		renamed *models.Node
		oldFull string
		moved   bool
		oldKey  string
		newKey  string
	)
	err = e.store.Update(ctx, ownerID, func(tx metadata.Tx) error {
		n, err := tx.GetNode(ctx, nodeID)
		if errors.Is(err, metadata.ErrNotFound) {
			return newError("rename", nodeID, ErrNotFound, nil)
		}
		if err != nil {
			return err
		}
		if n.Name == newName {
			renamed = n
			return nil
		}

		oldFull = n.FullPath()
		renamed = n.Clone()
		renamed.Name = newName
		renamed.ModifiedAt = e.timestamp()
		newFull := renamed.FullPath()

		if other, err := tx.FindNode(ctx, n.VirtualPath, newName); err == nil && other.ID != n.ID {
			return newError("rename", newFull, ErrDuplicateName, nil)
		} else if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return err
		}

		oldKey, newKey = n.StorageKey(), renamed.StorageKey()
		moved, err = e.relocate(ctx, n, oldKey, newKey)
		if err != nil {
			return newError("rename", oldFull, ErrPhysicalIO, err)
		}

		if err := tx.UpdateNode(ctx, renamed); err != nil {
			if errors.Is(err, metadata.ErrDuplicate) {
				return newError("rename", newFull, ErrDuplicateName, err)
			}
			return err
		}
		if n.IsFolder() {
			if _, err := tx.RebaseSubtree(ctx, oldFull, newFull); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if moved {
			e.moveBack(ctx, newKey, oldKey)
		}
		return nil, asEngineError("rename", nodeID, err)
	}

	if oldFull != "" {
		e.log(ctx).Info("node renamed",
			zap.Int64("owner", ownerID), zap.String("from", oldFull), zap.String("to", renamed.FullPath()))
		ev := nodeEvent(events.EventRename, renamed)
		ev.OldPath = oldFull
		e.publish(ev)
	}
	return renamed, nil
}
