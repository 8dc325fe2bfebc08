package vfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

// Content is the body of a file being created or replaced.
type Content struct {
	// Name is the file name; only Upload reads it.
	Name string
	Body io.Reader
	// Size is the declared length, or -1 when unknown. The stored size is
	// always the written length.
	Size int64
	// MimeType overrides inference from the file name when set.
	MimeType string
}

// Create adds a file or folder named name under the folder at virtualPath.
// Files need content; folders ignore it.
func (e *Engine) Create(ctx context.Context, ownerID int64, virtualPath, name string, kind models.Kind, content *Content) (_ *models.Node, err error) {
	defer observe("create", time.Now(), &err)

	vp, verr := models.CleanVirtualPath(virtualPath)
	if verr != nil {
		return nil, newError("create", virtualPath, ErrValidation, verr)
	}
	if verr := models.ValidateName(name); verr != nil {
		return nil, newError("create", vp, ErrValidation, verr)
	}
	if !kind.Valid() {
		return nil, validationf("create", vp, "unknown type %q", kind)
	}
	if kind == models.KindFile && (content == nil || content.Body == nil) {
		return nil, validationf("create", vp, "file %q has no content", name)
	}

	unlock := e.lockOwner(ownerID)
	defer unlock()
	return e.create(ctx, ownerID, vp, name, kind, content)
}

// create runs with the owner lock held and vp, name already validated.
func (e *Engine) create(ctx context.Context, ownerID int64, vp, name string, kind models.Kind, content *Content) (*models.Node, error) {
	now := e.timestamp()
	n := &models.Node{
		ID:          e.newID(),
		Name:        name,
		Kind:        kind,
		VirtualPath: vp,
		OwnerID:     ownerID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	full := n.FullPath()
	key := n.StorageKey()

	var (
		wroteBlob  bool
		createdDir bool
	)
	err := e.store.Update(ctx, ownerID, func(tx metadata.Tx) error {
		if _, ok, err := findFolder(ctx, tx, vp); err != nil {
			return err
		} else if !ok {
			return newError("create", vp, ErrInvalidParent, nil)
		}
		if _, err := tx.FindNode(ctx, vp, name); err == nil {
			return newError("create", full, ErrDuplicateName, nil)
		} else if !errors.Is(err, metadata.ErrNotFound) {
			return err
		}

		if kind == models.KindFolder {
			if _, statErr := e.backend.Stat(ctx, key); errors.Is(statErr, fs.ErrNotExist) {
				createdDir = true
			}
			if err := e.backend.MakeDir(ctx, key); err != nil {
				createdDir = false
				return newError("create", full, ErrPhysicalIO, err)
			}
		} else {
			written, err := e.backend.PutObject(ctx, key, content.Body, content.Size)
			metrics.RecordContentUpload(written, err == nil)
			if err != nil {
				// Remove any partial object.
				e.cleanupBlob(ctx, key)
				return newError("create", full, ErrPhysicalIO, err)
			}
			wroteBlob = true
			n.SetSize(written)
			n.MimeType = content.MimeType
			if n.MimeType == "" {
				n.MimeType = models.InferMimeType(name)
			}
		}

		if err := tx.InsertNode(ctx, n); err != nil {
			if errors.Is(err, metadata.ErrDuplicate) {
				return newError("create", full, ErrDuplicateName, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		// Fail closed: a physical effect without its record is undone.
		if wroteBlob {
			e.cleanupBlob(ctx, key)
		}
		if createdDir {
			if rmErr := e.backend.RemoveDir(ctx, key); rmErr != nil {
				e.log(ctx).Warn("cleanup directory after failed create", zap.String("key", key), zap.Error(rmErr))
			}
		}
		return nil, asEngineError("create", full, err)
	}

	e.log(ctx).Info("node created",
		zap.Int64("owner", ownerID), zap.String("path", full), zap.String("kind", string(kind)))
	e.publish(nodeEvent(events.EventCreate, n))
	return n, nil
}

func (e *Engine) cleanupBlob(ctx context.Context, key string) {
	if err := e.backend.DeleteObject(ctx, key); err != nil {
		e.log(ctx).Warn("cleanup blob after failed create", zap.String("key", key), zap.Error(err))
	}
}

// ItemError reports the failure of one item in a batch operation.
type ItemError struct {
	Item string `json:"item"`
	Err  error  `json:"-"`
}

func (ie ItemError) Error() string { return ie.Item + ": " + ie.Err.Error() }

func (ie ItemError) Unwrap() error { return ie.Err }

// UploadResult is the outcome of a multi-file upload.
type UploadResult struct {
	Uploaded []*models.Node
	Failed   []ItemError
}

// Partial reports whether at least one file failed.
func (r *UploadResult) Partial() bool { return len(r.Failed) > 0 }

// Upload creates each file under virtualPath. A failing file never stops
// the remaining ones.
func (e *Engine) Upload(ctx context.Context, ownerID int64, virtualPath string, files []Content) (*UploadResult, error) {
	if len(files) == 0 {
		return nil, validationf("upload", virtualPath, "no files provided")
	}
	res := &UploadResult{}
	for i := range files {
		f := files[i]
		n, err := e.Create(ctx, ownerID, virtualPath, f.Name, models.KindFile, &f)
		if err != nil {
			res.Failed = append(res.Failed, ItemError{Item: f.Name, Err: err})
			continue
		}
		res.Uploaded = append(res.Uploaded, n)
	}
	metrics.RecordTreeItems("upload", "uploaded", len(res.Uploaded))
	metrics.RecordTreeItems("upload", "failed", len(res.Failed))
	return res, nil
}
