package vfs

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
)

// Provision creates each folder in folderPaths, parents before children.
// Folders that already exist are left alone. It returns how many folders
// were created; the error joins every path that could not be provisioned.
func (e *Engine) Provision(ctx context.Context, ownerID int64, folderPaths []string) (created int, err error) {
	defer observe("provision", time.Now(), &err)

	paths := make([]string, 0, len(folderPaths))
	var errs []error
	for _, p := range folderPaths {
		full, verr := models.CleanVirtualPath(p)
		if verr != nil {
			errs = append(errs, newError("provision", p, ErrValidation, verr))
			continue
		}
		if full != "/" {
			paths = append(paths, full)
		}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return models.Depth(paths[i]) < models.Depth(paths[j])
	})

	unlock := e.lockOwner(ownerID)
	defer unlock()

	for _, full := range paths {
		parent, name := models.SplitPath(full)
		_, cerr := e.create(ctx, ownerID, parent, name, models.KindFolder, nil)
		switch {
		case cerr == nil:
			created++
		case errors.Is(cerr, ErrDuplicateName):
		default:
			errs = append(errs, cerr)
		}
	}
	return created, errors.Join(errs...)
}

// ReconcileReport describes what Reconcile found for one owner.
type ReconcileReport struct {
	OwnerID       int64
	Folders       int
	Files         int
	RecreatedDirs []string
	MissingBlobs  []string
	Errors        []ItemError
}

// Reconcile re-creates the physical directory of every folder that lost it
// and reports files whose blob is gone. Records are never changed.
func (e *Engine) Reconcile(ctx context.Context, ownerID int64) (_ *ReconcileReport, err error) {
	defer observe("reconcile", time.Now(), &err)

	unlock := e.lockOwner(ownerID)
	defer unlock()

	var folders, files []*models.Node
	err = e.store.View(ctx, ownerID, func(r metadata.Reader) error {
		var err error
		if folders, err = r.ListFolders(ctx); err != nil {
			return err
		}
		files, err = r.ListFiles(ctx)
		return err
	})
	if err != nil {
		return nil, asEngineError("reconcile", "", err)
	}

	rep := &ReconcileReport{OwnerID: ownerID, Folders: len(folders), Files: len(files)}
	if err := e.backend.MakeDir(ctx, models.OwnerRoot(ownerID)); err != nil {
		rep.Errors = append(rep.Errors, ItemError{Item: "/", Err: newError("reconcile", "/", ErrPhysicalIO, err)})
	}

	// Parents first so MakeDir never has to create a catalogued folder implicitly.
	sort.SliceStable(folders, func(i, j int) bool {
		return models.Depth(folders[i].FullPath()) < models.Depth(folders[j].FullPath())
	})
	for _, f := range folders {
		key := f.StorageKey()
		_, serr := e.backend.Stat(ctx, key)
		if serr == nil {
			continue
		}
		if !errors.Is(serr, fs.ErrNotExist) {
			rep.Errors = append(rep.Errors, ItemError{Item: f.FullPath(), Err: newError("reconcile", f.FullPath(), ErrPhysicalIO, serr)})
			continue
		}
		if merr := e.backend.MakeDir(ctx, key); merr != nil {
			rep.Errors = append(rep.Errors, ItemError{Item: f.FullPath(), Err: newError("reconcile", f.FullPath(), ErrPhysicalIO, merr)})
			continue
		}
		metrics.RecordPhysicalInconsistency("missing_dir")
		rep.RecreatedDirs = append(rep.RecreatedDirs, f.FullPath())
	}

	for _, f := range files {
		_, serr := e.backend.Stat(ctx, f.StorageKey())
		if serr == nil {
			continue
		}
		if errors.Is(serr, fs.ErrNotExist) {
			metrics.RecordPhysicalInconsistency("missing_blob")
			rep.MissingBlobs = append(rep.MissingBlobs, f.FullPath())
			continue
		}
		rep.Errors = append(rep.Errors, ItemError{Item: f.FullPath(), Err: newError("reconcile", f.FullPath(), ErrPhysicalIO, serr)})
	}

	e.log(ctx).Info("reconcile finished",
		zap.Int64("owner", ownerID),
		zap.Int("recreated_dirs", len(rep.RecreatedDirs)),
		zap.Int("missing_blobs", len(rep.MissingBlobs)),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}
