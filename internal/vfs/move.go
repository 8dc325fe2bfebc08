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
)

// MoveStatus is the outcome of one item of a Move.
type MoveStatus string

const (
	MoveMoved     MoveStatus = "moved"
	MoveUnchanged MoveStatus = "unchanged"
	MoveSkipped   MoveStatus = "skipped"
	MoveFailed    MoveStatus = "failed"
)

// Reasons attached to skipped and failed move items.
const (
	ReasonNotFound      = "not_found"
	ReasonCycle         = "cycle"
	ReasonDuplicateName = "duplicate_name"
	ReasonInvalidTarget = "invalid_target"
	ReasonPhysicalIO    = "physical_io"
	ReasonInternal      = "internal"
)

// MoveItem reports what happened to one requested id.
type MoveItem struct {
	ID     string     `json:"id"`
	Status MoveStatus `json:"status"`
	Reason string     `json:"reason,omitempty"`
	Path   string     `json:"path,omitempty"`
}

// MoveResult summarizes a Move. Unchanged items count as moved.
type MoveResult struct {
	Moved   int        `json:"moved"`
	Skipped int        `json:"skipped"`
	Failed  int        `json:"failed"`
	Items   []MoveItem `json:"items"`
}

func (r *MoveResult) add(item MoveItem) {
	switch item.Status {
	case MoveMoved, MoveUnchanged:
		r.Moved++
	case MoveSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

// skip ends one move item without error for the batch.
type skip struct {
	status MoveStatus
	reason string
}

func (s *skip) Error() string { return string(s.status) + ": " + s.reason }

// Move relocates every node in nodeIDs directly under the folder at
// targetPath. Each item is handled on its own; one failing item leaves the
// others untouched.
func (e *Engine) Move(ctx context.Context, ownerID int64, nodeIDs []string, targetPath string) (_ *MoveResult, err error) {
	defer observe("move", time.Now(), &err)

	if len(nodeIDs) == 0 {
		return nil, validationf("move", targetPath, "no items provided")
	}
	target, verr := models.CleanVirtualPath(targetPath)
	if verr != nil {
		return nil, newError("move", targetPath, ErrValidation, verr)
	}

	unlock := e.lockOwner(ownerID)
	defer unlock()

	err = e.store.View(ctx, ownerID, func(r metadata.Reader) error {
		_, ok, err := findFolder(ctx, r, target)
		if err != nil {
			return err
		}
		if !ok {
			return newError("move", target, ErrInvalidTarget, nil)
		}
		return nil
	})
	if err != nil {
		return nil, asEngineError("move", target, err)
	}

	res := &MoveResult{}
	for _, id := range nodeIDs {
		res.add(e.moveOne(ctx, ownerID, id, target))
	}
	metrics.RecordTreeItems("move", "moved", res.Moved)
	metrics.RecordTreeItems("move", "skipped", res.Skipped)
	metrics.RecordTreeItems("move", "failed", res.Failed)
	return res, nil
}

func (e *Engine) moveOne(ctx context.Context, ownerID int64, id, target string) MoveItem {
	item := MoveItem{ID: id}

	var (
		moved     *models.Node
		oldFull   string
		relocated bool
		oldKey    string
		newKey    string
	)
	err := e.store.Update(ctx, ownerID, func(tx metadata.Tx) error {
		n, err := tx.GetNode(ctx, id)
		if errors.Is(err, metadata.ErrNotFound) {
			return &skip{MoveSkipped, ReasonNotFound}
		}
		if err != nil {
			return err
		}
		// The target may have gone since Move checked it.
		if _, ok, err := findFolder(ctx, tx, target); err != nil {
			return err
		} else if !ok {
			return &skip{MoveSkipped, ReasonInvalidTarget}
		}
		oldFull = n.FullPath()
		if n.IsFolder() && models.IsWithin(target, oldFull) {
			return &skip{MoveSkipped, ReasonCycle}
		}
		if n.VirtualPath == target {
			return &skip{MoveUnchanged, ""}
		}
		if _, err := tx.FindNode(ctx, target, n.Name); err == nil {
			return &skip{MoveSkipped, ReasonDuplicateName}
		} else if !errors.Is(err, metadata.ErrNotFound) {
			return err
		}

		moved = n.Clone()
		moved.VirtualPath = target
		moved.ModifiedAt = e.timestamp()
		newFull := moved.FullPath()

		oldKey, newKey = e.key(ownerID, oldFull), e.key(ownerID, newFull)
		relocated, err = e.relocate(ctx, n, oldKey, newKey)
		if err != nil {
			e.log(ctx).Warn("physical move failed",
				zap.String("id", id), zap.String("from", oldKey), zap.String("to", newKey), zap.Error(err))
			return &skip{MoveFailed, ReasonPhysicalIO}
		}

		if err := tx.UpdateNode(ctx, moved); err != nil {
			if errors.Is(err, metadata.ErrDuplicate) {
				return &skip{MoveSkipped, ReasonDuplicateName}
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
		if relocated {
			e.moveBack(ctx, newKey, oldKey)
		}
		var s *skip
		if errors.As(err, &s) {
			item.Status, item.Reason = s.status, s.reason
			if s.status == MoveUnchanged {
				item.Path = oldFull
			}
			return item
		}
		e.log(ctx).Error("move item failed", zap.String("id", id), zap.Error(err))
		item.Status, item.Reason = MoveFailed, ReasonInternal
		return item
	}

	item.Status = MoveMoved
	item.Path = moved.FullPath()
	e.log(ctx).Info("node moved",
		zap.Int64("owner", ownerID), zap.String("from", oldFull), zap.String("to", item.Path))
	ev := nodeEvent(events.EventMove, moved)
	ev.OldPath = oldFull
	e.publish(ev)
	return item
}
