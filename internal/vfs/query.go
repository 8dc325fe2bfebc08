package vfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

// List returns the direct children of the folder at virtualPath whose name
// contains search, ignoring case. A path with no folder yields no nodes.
func (e *Engine) List(ctx context.Context, ownerID int64, virtualPath, search string) ([]*models.Node, error) {
	vp, err := models.CleanVirtualPath(virtualPath)
	if err != nil {
		return nil, newError("list", virtualPath, ErrValidation, err)
	}

	var nodes []*models.Node
	err = e.store.View(ctx, ownerID, func(r metadata.Reader) error {
		children, err := r.ListChildren(ctx, vp)
		if err != nil {
			return err
		}
		needle := strings.ToLower(search)
		nodes = make([]*models.Node, 0, len(children))
		for _, c := range children {
			if needle == "" || strings.Contains(strings.ToLower(c.Name), needle) {
				nodes = append(nodes, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, asEngineError("list", vp, err)
	}
	models.SortNodes(nodes)
	return nodes, nil
}

// Get returns one node.
func (e *Engine) Get(ctx context.Context, ownerID int64, nodeID string) (*models.Node, error) {
	var n *models.Node
	err := e.store.View(ctx, ownerID, func(r metadata.Reader) error {
		var err error
		n, err = r.GetNode(ctx, nodeID)
		if errors.Is(err, metadata.ErrNotFound) {
			return newError("get", nodeID, ErrNotFound, nil)
		}
		return err
	})
	if err != nil {
		return nil, asEngineError("get", nodeID, err)
	}
	return n, nil
}

// Open returns a stream over a file's content. Folders and files whose blob
// is gone are reported as not found. The caller closes the stream.
func (e *Engine) Open(ctx context.Context, ownerID int64, nodeID string) (io.ReadCloser, *models.Node, error) {
	n, err := e.Get(ctx, ownerID, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if !n.IsFile() {
		return nil, nil, newError("open", n.FullPath(), ErrNotFound, errors.New("not a file"))
	}

	rc, _, err := e.backend.GetObject(ctx, n.StorageKey(), 0, 0)
	if errors.Is(err, fs.ErrNotExist) {
		metrics.RecordPhysicalInconsistency("missing_blob")
		e.log(ctx).Warn("file blob missing", zap.String("id", n.ID), zap.String("key", n.StorageKey()))
		return nil, nil, newError("open", n.FullPath(), ErrNotFound, err)
	}
	if err != nil {
		return nil, nil, newError("open", n.FullPath(), ErrPhysicalIO, err)
	}
	return rc, n, nil
}

// Stats summarizes one owner's tree.
type Stats struct {
	TotalFiles   int            `json:"total_files"`
	TotalFolders int            `json:"total_folders"`
	TotalSize    int64          `json:"total_size"`
	RecentFiles  []*models.Node `json:"recent_files"`
}

// Stats counts an owner's files and folders and lists the files created
// within RecentWindow, newest first.
func (e *Engine) Stats(ctx context.Context, ownerID int64) (*Stats, error) {
	var sum *metadata.Summary
	err := e.store.View(ctx, ownerID, func(r metadata.Reader) error {
		var err error
		sum, err = r.Summarize(ctx, e.now().Add(-RecentWindow), RecentLimit)
		return err
	})
	if err != nil {
		return nil, asEngineError("stats", "", err)
	}
	st := &Stats{
		TotalFiles:   sum.Files,
		TotalFolders: sum.Folders,
		TotalSize:    sum.TotalSize,
		RecentFiles:  sum.Recent,
	}
	if st.RecentFiles == nil {
		st.RecentFiles = []*models.Node{}
	}
	return st, nil
}

// ReplaceContent overwrites a file's content. mimeType replaces the stored
// type when set; otherwise it is inferred from the name again.
func (e *Engine) ReplaceContent(ctx context.Context, ownerID int64, nodeID string, content Content) (_ *models.Node, err error) {
	defer observe("replace_content", time.Now(), &err)

	if content.Body == nil {
		return nil, validationf("replace_content", nodeID, "no content")
	}

	unlock := e.lockOwner(ownerID)
	defer unlock()

	var updated *models.Node
	err = e.store.Update(ctx, ownerID, func(tx metadata.Tx) error {
		n, err := tx.GetNode(ctx, nodeID)
		if errors.Is(err, metadata.ErrNotFound) {
			return newError("replace_content", nodeID, ErrNotFound, nil)
		}
		if err != nil {
			return err
		}
		if !n.IsFile() {
			return validationf("replace_content", n.FullPath(), "folders have no content")
		}

		written, err := e.backend.PutObject(ctx, n.StorageKey(), content.Body, content.Size)
		metrics.RecordContentUpload(written, err == nil)
		if err != nil {
			return newError("replace_content", n.FullPath(), ErrPhysicalIO, err)
		}

		updated = n.Clone()
		updated.SetSize(written)
		updated.MimeType = content.MimeType
		if updated.MimeType == "" {
			updated.MimeType = models.InferMimeType(n.Name)
		}
		updated.ModifiedAt = e.timestamp()
		return tx.UpdateNode(ctx, updated)
	})
	if err != nil {
		return nil, asEngineError("replace_content", nodeID, err)
	}

	e.log(ctx).Info("content replaced",
		zap.Int64("owner", ownerID), zap.String("path", updated.FullPath()), zap.Int64("size", updated.Size()))
	e.publish(nodeEvent(events.EventModify, updated))
	return updated, nil
}
