package vfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metadata"
	badgerstore "github.com/fruitsalade/docvault/internal/metadata/badger"
	"github.com/fruitsalade/docvault/internal/models"
	"github.com/fruitsalade/docvault/internal/storage"
	"github.com/fruitsalade/docvault/internal/storage/local"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// faultyBackend fails selected operations of an otherwise working backend.
type faultyBackend struct {
	storage.Backend
	putErr    error
	moveErr   error
	deleteErr error
}

func (f *faultyBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (int64, error) {
	if f.putErr != nil {
		return 0, f.putErr
	}
	return f.Backend.PutObject(ctx, key, body, size)
}

func (f *faultyBackend) Move(ctx context.Context, src, dst string) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	return f.Backend.Move(ctx, src, dst)
}

func (f *faultyBackend) DeleteObject(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Backend.DeleteObject(ctx, key)
}

// racingStore runs a hook once before the next Update, standing in for a
// writer that commits between two units of an operation.
type racingStore struct {
	metadata.Store
	mu           sync.Mutex
	beforeUpdate func()
}

func (s *racingStore) Update(ctx context.Context, ownerID int64, fn func(metadata.Tx) error) error {
	s.mu.Lock()
	hook := s.beforeUpdate
	s.beforeUpdate = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.Store.Update(ctx, ownerID, fn)
}

type env struct {
	engine  *Engine
	root    string
	owner   int64
	clock   *clock
	events  *recorder
	backend *faultyBackend
	store   *racingStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logging.InitNop()

	store, err := badgerstore.New(badgerstore.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	lb, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)
	t.Cleanup(func() { lb.Close() })

	u, err := store.CreateUser(context.Background(), "alice", "hash", true)
	require.NoError(t, err)

	e := &env{
		root:    root,
		owner:   u.ID,
		clock:   &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		events:  &recorder{},
		backend: &faultyBackend{Backend: lb},
		store:   &racingStore{Store: store},
	}
	e.engine = New(e.store, e.backend, WithClock(e.clock.now), WithPublisher(e.events))
	return e
}

// disk returns the on-disk location of a full virtual path.
func (e *env) disk(full string) string {
	return filepath.Join(e.root, "users", strconv.FormatInt(e.owner, 10), filepath.FromSlash(full))
}

func (e *env) folder(t *testing.T, vp, name string) *models.Node {
	t.Helper()
	n, err := e.engine.Create(context.Background(), e.owner, vp, name, models.KindFolder, nil)
	require.NoError(t, err)
	return n
}

func (e *env) file(t *testing.T, vp, name, body string) *models.Node {
	t.Helper()
	n, err := e.engine.Create(context.Background(), e.owner, vp, name, models.KindFile,
		&Content{Body: bytes.NewBufferString(body), Size: int64(len(body))})
	require.NoError(t, err)
	return n
}

func (e *env) names(t *testing.T, vp string) []string {
	t.Helper()
	nodes, err := e.engine.List(context.Background(), e.owner, vp, "")
	require.NoError(t, err)
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func content(s string) *Content {
	return &Content{Body: bytes.NewBufferString(s), Size: int64(len(s))}
}

func TestCreateDuplicateName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.folder(t, "/", "Docs")

	_, err := e.engine.Create(ctx, e.owner, "/", "Docs", models.KindFolder, nil)
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = e.engine.Create(ctx, e.owner, "/", "Docs", models.KindFile, content("x"))
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Names are case sensitive.
	e.folder(t, "/", "docs")
	assert.Equal(t, []string{"Docs", "docs"}, e.names(t, "/"))
}

func TestConcurrentCreateSameName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.engine.Create(ctx, e.owner, "/", "X", models.KindFolder, nil)
		}()
	}
	wg.Wait()

	var created, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateName):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, dup)
	assert.Equal(t, []string{"X"}, e.names(t, "/"))
	assert.DirExists(t, e.disk("/X"))
}

func TestNameWithSurroundingWhitespaceRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.folder(t, "/", "Docs")

	for _, name := range []string{"Docs ", " Docs", "Reports\t"} {
		_, err := e.engine.Create(ctx, e.owner, "/", name, models.KindFolder, nil)
		assert.ErrorIs(t, err, ErrValidation, "create %q", name)

		_, err = e.engine.Rename(ctx, e.owner, docs.ID, name)
		assert.ErrorIs(t, err, ErrValidation, "rename to %q", name)
	}
	assert.Equal(t, []string{"Docs"}, e.names(t, "/"))
}

func TestCreateInvalidParent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.file(t, "/", "a.txt", "a")

	_, err := e.engine.Create(ctx, e.owner, "/missing", "x", models.KindFolder, nil)
	assert.ErrorIs(t, err, ErrInvalidParent)

	_, err = e.engine.Create(ctx, e.owner, "/a.txt", "x", models.KindFolder, nil)
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, name := range []string{"", "a/b", "..", "."} {
		_, err := e.engine.Create(ctx, e.owner, "/", name, models.KindFolder, nil)
		assert.ErrorIs(t, err, ErrValidation, "name %q", name)
	}
	_, err := e.engine.Create(ctx, e.owner, "/", "a.txt", models.KindFile, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.engine.Create(ctx, e.owner, "/", "x", models.Kind("link"), nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.engine.Create(ctx, e.owner, "/a/../b", "x", models.KindFolder, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateWritesPhysicalMirror(t *testing.T) {
	e := newEnv(t)
	e.folder(t, "/", "Docs")
	n := e.file(t, "/Docs", "notes.txt", "hello")

	assert.DirExists(t, e.disk("/Docs"))
	data, err := os.ReadFile(e.disk("/Docs/notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), n.Size())
	assert.Equal(t, "text/plain", n.MimeType)
	assert.Equal(t, e.clock.now(), n.CreatedAt)
}

func TestCreateFailsClosed(t *testing.T) {
	e := newEnv(t)
	e.backend.putErr = errors.New("disk full")

	_, err := e.engine.Create(context.Background(), e.owner, "/", "a.txt", models.KindFile, content("a"))
	assert.ErrorIs(t, err, ErrPhysicalIO)
	assert.Empty(t, e.names(t, "/"))
}

func TestUploadPartial(t *testing.T) {
	e := newEnv(t)
	e.file(t, "/", "taken.txt", "x")

	res, err := e.engine.Upload(context.Background(), e.owner, "/", []Content{
		{Name: "ok.txt", Body: bytes.NewBufferString("ok"), Size: 2},
		{Name: "taken.txt", Body: bytes.NewBufferString("y"), Size: 1},
		{Name: "bad/name", Body: bytes.NewBufferString("z"), Size: 1},
	})
	require.NoError(t, err)
	assert.True(t, res.Partial())
	require.Len(t, res.Uploaded, 1)
	assert.Equal(t, "ok.txt", res.Uploaded[0].Name)
	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[0], ErrDuplicateName)
	assert.ErrorIs(t, res.Failed[1], ErrValidation)

	_, err = e.engine.Upload(context.Background(), e.owner, "/", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDocsScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	docs := e.folder(t, "/", "Docs")
	report := e.file(t, "/Docs", "report.pdf", "0123456789")

	nodes, err := e.engine.List(ctx, e.owner, "/Docs", "")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].IsFile())
	assert.Equal(t, "application/pdf", nodes[0].MimeType)
	assert.Equal(t, int64(10), nodes[0].Size())

	_, err = e.engine.Rename(ctx, e.owner, report.ID, "final.pdf")
	require.NoError(t, err)
	assert.Equal(t, []string{"final.pdf"}, e.names(t, "/Docs"))

	res, err := e.engine.Delete(ctx, e.owner, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, res.Folders)
	assert.NotContains(t, e.names(t, "/"), "Docs")

	// A deleted path lists as empty.
	nodes, err = e.engine.List(ctx, e.owner, "/Docs", "")
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.NoDirExists(t, e.disk("/Docs"))
}

func TestOpenRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := []byte{0x00, 0xff, 'p', 'n', 'g', 0x10}
	n, err := e.engine.Create(ctx, e.owner, "/", "img.png", models.KindFile,
		&Content{Body: bytes.NewReader(body), Size: -1})
	require.NoError(t, err)

	rc, got, err := e.engine.Open(ctx, e.owner, n.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, int64(len(body)), got.Size())
	assert.Equal(t, "image/png", got.MimeType)
}

func TestOpenNotFound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dir := e.folder(t, "/", "Docs")
	f := e.file(t, "/", "gone.txt", "x")
	require.NoError(t, os.Remove(e.disk("/gone.txt")))

	_, _, err := e.engine.Open(ctx, e.owner, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = e.engine.Open(ctx, e.owner, dir.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = e.engine.Open(ctx, e.owner, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOwnerIsolation(t *testing.T) {
	e := newEnv(t)
	n := e.file(t, "/", "a.txt", "a")

	_, err := e.engine.Get(context.Background(), e.owner+1, n.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	nodes, err := e.engine.List(context.Background(), e.owner+1, "/", "")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestRenamePreservesIdentityAndDescendants(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.folder(t, "/", "A")
	e.folder(t, "/A", "B")
	c := e.file(t, "/A/B", "c.txt", "c")
	e.folder(t, "/", "A2")

	e.clock.advance(time.Minute)
	renamed, err := e.engine.Rename(ctx, e.owner, a.ID, "Z")
	require.NoError(t, err)
	assert.Equal(t, a.ID, renamed.ID)
	assert.Equal(t, a.Kind, renamed.Kind)
	assert.Equal(t, a.OwnerID, renamed.OwnerID)
	assert.True(t, renamed.ModifiedAt.After(a.ModifiedAt))

	assert.Equal(t, []string{"c.txt"}, e.names(t, "/Z/B"))
	assert.Empty(t, e.names(t, "/A/B"))
	assert.Equal(t, []string{"A2", "Z"}, e.names(t, "/"))

	got, err := e.engine.Get(ctx, e.owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Z/B/c.txt", got.FullPath())
	assert.FileExists(t, e.disk("/Z/B/c.txt"))
	assert.NoDirExists(t, e.disk("/A"))

	rc, _, err := e.engine.Open(ctx, e.owner, c.ID)
	require.NoError(t, err)
	rc.Close()
}

func TestRenameConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.file(t, "/", "a.txt", "a")
	e.file(t, "/", "b.txt", "b")

	_, err := e.engine.Rename(ctx, e.owner, a.ID, "b.txt")
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = e.engine.Rename(ctx, e.owner, a.ID, "x/y")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.engine.Rename(ctx, e.owner, "missing", "c.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	same, err := e.engine.Rename(ctx, e.owner, a.ID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, a.ModifiedAt, same.ModifiedAt)
	assert.Equal(t, []string{"create", "create"}, e.events.types())
}

func TestConcurrentRenameToSameName(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	nodes := []*models.Node{e.folder(t, "/", "A"), e.folder(t, "/", "B")}

	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.engine.Rename(ctx, e.owner, n.ID, "Same")
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "both renames succeeded")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateName)
	}
	require.NotEqual(t, -1, winner, "no rename succeeded")

	loser := nodes[1-winner].Name
	assert.ElementsMatch(t, []string{"Same", loser}, e.names(t, "/"))
	assert.DirExists(t, e.disk("/Same"))
	assert.DirExists(t, e.disk("/"+loser))
}

func TestRenamePhysicalFailureChangesNothing(t *testing.T) {
	e := newEnv(t)
	a := e.file(t, "/", "a.txt", "a")
	e.backend.moveErr = errors.New("io error")

	_, err := e.engine.Rename(context.Background(), e.owner, a.ID, "b.txt")
	assert.ErrorIs(t, err, ErrPhysicalIO)
	assert.Equal(t, []string{"a.txt"}, e.names(t, "/"))
}

func TestRenameRepairsMissingDirectory(t *testing.T) {
	e := newEnv(t)
	a := e.folder(t, "/", "A")
	require.NoError(t, os.Remove(e.disk("/A")))

	_, err := e.engine.Rename(context.Background(), e.owner, a.ID, "B")
	require.NoError(t, err)
	assert.DirExists(t, e.disk("/B"))
	assert.Equal(t, []string{"B"}, e.names(t, "/"))
}

func TestMoveIntoOwnSubtreeIsSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.folder(t, "/", "A")
	e.folder(t, "/A", "B")
	e.folder(t, "/A/B", "C")
	e.folder(t, "/A/B/C", "D")

	for _, target := range []string{"/A", "/A/B", "/A/B/C", "/A/B/C/D"} {
		res, err := e.engine.Move(ctx, e.owner, []string{a.ID}, target)
		require.NoError(t, err, target)
		assert.Equal(t, 0, res.Moved, target)
		assert.Equal(t, 1, res.Skipped, target)
		require.Len(t, res.Items, 1)
		assert.Equal(t, ReasonCycle, res.Items[0].Reason, target)
	}
	assert.Equal(t, []string{"A"}, e.names(t, "/"))
	assert.Equal(t, []string{"D"}, e.names(t, "/A/B/C"))
}

func TestMoveIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.folder(t, "/", "Dst")
	f := e.file(t, "/", "f.txt", "f")

	res, err := e.engine.Move(ctx, e.owner, []string{f.ID}, "/Dst")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, MoveMoved, res.Items[0].Status)
	assert.Equal(t, "/Dst/f.txt", res.Items[0].Path)

	res, err = e.engine.Move(ctx, e.owner, []string{f.ID}, "/Dst")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, MoveUnchanged, res.Items[0].Status)

	assert.Equal(t, []string{"f.txt"}, e.names(t, "/Dst"))
	assert.Equal(t, []string{"Dst"}, e.names(t, "/"))
	assert.FileExists(t, e.disk("/Dst/f.txt"))
}

func TestMoveSkipsNameCollision(t *testing.T) {
	e := newEnv(t)
	e.folder(t, "/", "Dst")
	e.file(t, "/Dst", "f.txt", "old")
	f := e.file(t, "/", "f.txt", "new")

	res, err := e.engine.Move(context.Background(), e.owner, []string{f.ID}, "/Dst")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, ReasonDuplicateName, res.Items[0].Reason)
	assert.Equal(t, []string{"Dst", "f.txt"}, e.names(t, "/"))
}

func TestMoveTargetValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := e.file(t, "/", "f.txt", "f")

	_, err := e.engine.Move(ctx, e.owner, nil, "/")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.engine.Move(ctx, e.owner, []string{f.ID}, "/nope")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = e.engine.Move(ctx, e.owner, []string{f.ID}, "/f.txt")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = e.engine.Move(ctx, e.owner, []string{f.ID}, "/a/../b")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMoveTargetRemovedBeforeItem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := e.file(t, "/", "f.txt", "f")
	archive := e.folder(t, "/", "Archive")

	e.store.beforeUpdate = func() {
		err := e.store.Store.Update(ctx, e.owner, func(tx metadata.Tx) error {
			return tx.DeleteNode(ctx, archive.ID)
		})
		require.NoError(t, err)
	}

	res, err := e.engine.Move(ctx, e.owner, []string{f.ID}, "/Archive")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Moved)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Items, 1)
	assert.Equal(t, MoveSkipped, res.Items[0].Status)
	assert.Equal(t, ReasonInvalidTarget, res.Items[0].Reason)

	got, err := e.engine.Get(ctx, e.owner, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "/", got.VirtualPath)
	assert.FileExists(t, e.disk("/f.txt"))
	assert.NoFileExists(t, e.disk("/Archive/f.txt"))
}

func TestMoveFolderRebasesDescendants(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.folder(t, "/", "Docs")
	e.folder(t, "/Docs", "Sub")
	deep := e.file(t, "/Docs/Sub", "deep.txt", "deep")
	e.folder(t, "/", "Docs2")
	sibling := e.file(t, "/Docs2", "keep.txt", "keep")
	e.folder(t, "/", "Archive")

	res, err := e.engine.Move(ctx, e.owner, []string{docs.ID, "missing"}, "/Archive")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, ReasonNotFound, res.Items[1].Reason)

	got, err := e.engine.Get(ctx, e.owner, deep.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Archive/Docs/Sub/deep.txt", got.FullPath())
	assert.FileExists(t, e.disk("/Archive/Docs/Sub/deep.txt"))

	kept, err := e.engine.Get(ctx, e.owner, sibling.ID)
	require.NoError(t, err)
	assert.Equal(t, "/Docs2/keep.txt", kept.FullPath())
	assert.Equal(t, []string{"Archive", "Docs2"}, e.names(t, "/"))
}

func TestMovePhysicalFailure(t *testing.T) {
	e := newEnv(t)
	e.folder(t, "/", "Dst")
	f := e.file(t, "/", "f.txt", "f")
	e.backend.moveErr = errors.New("io error")

	res, err := e.engine.Move(context.Background(), e.owner, []string{f.ID}, "/Dst")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, ReasonPhysicalIO, res.Items[0].Reason)
	assert.Equal(t, []string{"Dst", "f.txt"}, e.names(t, "/"))
}

func TestDeleteCascade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.folder(t, "/", "Docs")
	e.folder(t, "/Docs", "A")
	e.folder(t, "/Docs/A", "B")
	e.file(t, "/Docs/A/B", "1.txt", "1")
	e.file(t, "/Docs/A", "2.txt", "2")
	e.file(t, "/Docs", "3.txt", "3")
	e.folder(t, "/", "Docs2")
	e.file(t, "/Docs2", "keep.txt", "keep")

	res, err := e.engine.Delete(ctx, e.owner, docs.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 3, res.Folders)
	assert.Empty(t, res.PhysicalErrors)

	for _, p := range []string{"/Docs", "/Docs/A", "/Docs/A/B"} {
		assert.Empty(t, e.names(t, p), p)
	}
	assert.Equal(t, []string{"Docs2"}, e.names(t, "/"))
	assert.Equal(t, []string{"keep.txt"}, e.names(t, "/Docs2"))
	assert.NoDirExists(t, e.disk("/Docs"))

	_, err = e.engine.Delete(ctx, e.owner, docs.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesStrayFiles(t *testing.T) {
	e := newEnv(t)
	docs := e.folder(t, "/", "Docs")
	require.NoError(t, os.WriteFile(filepath.Join(e.disk("/Docs"), "stray.bin"), []byte("x"), 0o644))

	res, err := e.engine.Delete(context.Background(), e.owner, docs.ID)
	require.NoError(t, err)
	assert.Empty(t, res.PhysicalErrors)
	assert.NoDirExists(t, e.disk("/Docs"))
}

func TestBulkDeleteCountsCascadedItems(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	docs := e.folder(t, "/", "Docs")
	inner := e.file(t, "/Docs", "inner.txt", "i")
	other := e.file(t, "/", "other.txt", "o")

	res, err := e.engine.BulkDelete(ctx, e.owner, []string{docs.ID, inner.ID, "missing", other.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.Folders)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].Item)
	assert.ErrorIs(t, res.Failed[0], ErrNotFound)
	assert.Empty(t, e.names(t, "/"))

	_, err = e.engine.BulkDelete(ctx, e.owner, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBulkDeleteSeparatesPhysicalErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.file(t, "/", "a.txt", "a")
	docs := e.folder(t, "/", "Docs")
	e.file(t, "/Docs", "b.txt", "b")
	e.backend.deleteErr = errors.New("disk unavailable")

	res, err := e.engine.BulkDelete(ctx, e.owner, []string{a.ID, a.ID, docs.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.Folders)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].Item)
	assert.ErrorIs(t, res.Failed[0].Err, ErrNotFound)

	require.Len(t, res.PhysicalErrors, 2)
	var items []string
	for _, pe := range res.PhysicalErrors {
		assert.ErrorIs(t, pe.Err, ErrPhysicalIO)
		items = append(items, pe.Item)
	}
	assert.ElementsMatch(t, []string{"/a.txt", "/Docs/b.txt"}, items)
	assert.Empty(t, e.names(t, "/"))
}

func TestListSearchAndOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.file(t, "/", "b-report.txt", "b")
	e.file(t, "/", "a-notes.txt", "a")
	e.folder(t, "/", "Reports")
	e.folder(t, "/", "Archive")

	assert.Equal(t, []string{"Archive", "Reports", "a-notes.txt", "b-report.txt"}, e.names(t, "/"))

	nodes, err := e.engine.List(ctx, e.owner, "/", "REPORT")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "Reports", nodes[0].Name)
	assert.Equal(t, "b-report.txt", nodes[1].Name)

	_, err = e.engine.List(ctx, e.owner, "/a/../b", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.folder(t, "/", "Docs")
	e.file(t, "/Docs", "old.txt", "12345")
	e.clock.advance(8 * 24 * time.Hour)
	for _, name := range []string{"1", "2", "3", "4", "5", "6"} {
		e.clock.advance(time.Minute)
		e.file(t, "/Docs", name+".txt", "x")
	}

	st, err := e.engine.Stats(ctx, e.owner)
	require.NoError(t, err)
	assert.Equal(t, 7, st.TotalFiles)
	assert.Equal(t, 1, st.TotalFolders)
	assert.Equal(t, int64(11), st.TotalSize)
	require.Len(t, st.RecentFiles, RecentLimit)
	assert.Equal(t, "6.txt", st.RecentFiles[0].Name)
	assert.Equal(t, "2.txt", st.RecentFiles[4].Name)

	empty, err := e.engine.Stats(ctx, e.owner+1)
	require.NoError(t, err)
	assert.NotNil(t, empty.RecentFiles)
	assert.Zero(t, empty.TotalFiles)
}

func TestReplaceContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := e.file(t, "/", "data.txt", "short")
	dir := e.folder(t, "/", "Docs")

	e.clock.advance(time.Hour)
	updated, err := e.engine.ReplaceContent(ctx, e.owner, f.ID, Content{Body: bytes.NewBufferString("a longer body"), Size: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(13), updated.Size())
	assert.Equal(t, "text/plain", updated.MimeType)
	assert.Equal(t, f.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.ModifiedAt.After(f.ModifiedAt))

	data, err := os.ReadFile(e.disk("/data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a longer body", string(data))

	typed, err := e.engine.ReplaceContent(ctx, e.owner, f.ID, Content{Body: bytes.NewBufferString("{}"), Size: 2, MimeType: "application/json"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", typed.MimeType)

	_, err = e.engine.ReplaceContent(ctx, e.owner, dir.ID, Content{Body: bytes.NewBufferString("x"), Size: 1})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.engine.ReplaceContent(ctx, e.owner, "missing", Content{Body: bytes.NewBufferString("x"), Size: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProvision(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	paths := []string{"CDRRMO/Operation", "CDRRMO/Research", "CDRRMO", "CDRRMO/Training"}

	created, err := e.engine.Provision(ctx, e.owner, paths)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
	assert.Equal(t, []string{"Operation", "Research", "Training"}, e.names(t, "/CDRRMO"))
	assert.DirExists(t, e.disk("/CDRRMO/Training"))

	created, err = e.engine.Provision(ctx, e.owner, paths)
	require.NoError(t, err)
	assert.Zero(t, created)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.folder(t, "/", "Docs")
	e.folder(t, "/Docs", "Sub")
	e.file(t, "/Docs", "kept.txt", "k")
	e.file(t, "/Docs/Sub", "lost.txt", "l")
	require.NoError(t, os.RemoveAll(e.disk("/Docs/Sub")))

	rep, err := e.engine.Reconcile(ctx, e.owner)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Folders)
	assert.Equal(t, 2, rep.Files)
	assert.Equal(t, []string{"/Docs/Sub"}, rep.RecreatedDirs)
	assert.Equal(t, []string{"/Docs/Sub/lost.txt"}, rep.MissingBlobs)
	assert.Empty(t, rep.Errors)
	assert.DirExists(t, e.disk("/Docs/Sub"))
	assert.Equal(t, []string{"lost.txt"}, e.names(t, "/Docs/Sub"))
}

func TestEventsPublished(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dst := e.folder(t, "/", "Dst")
	f := e.file(t, "/", "f.txt", "f")

	_, err := e.engine.Rename(ctx, e.owner, f.ID, "g.txt")
	require.NoError(t, err)
	_, err = e.engine.Move(ctx, e.owner, []string{f.ID}, "/Dst")
	require.NoError(t, err)
	_, err = e.engine.ReplaceContent(ctx, e.owner, f.ID, Content{Body: bytes.NewBufferString("new"), Size: 3})
	require.NoError(t, err)
	_, err = e.engine.Delete(ctx, e.owner, dst.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		events.EventCreate, events.EventCreate, events.EventRename,
		events.EventMove, events.EventModify, events.EventDelete,
	}, e.events.types())

	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	rename := e.events.events[2]
	assert.Equal(t, "/f.txt", rename.OldPath)
	assert.Equal(t, "/g.txt", rename.Path)
	assert.Equal(t, e.owner, rename.OwnerID)
}

func TestPostOrder(t *testing.T) {
	mk := func(kind models.Kind, vp, name string) *models.Node {
		return &models.Node{ID: vp + "|" + name, Kind: kind, VirtualPath: vp, Name: name}
	}
	root := mk(models.KindFolder, "/", "A")
	below := []*models.Node{
		mk(models.KindFolder, "/A", "B"),
		mk(models.KindFile, "/A", "f"),
		mk(models.KindFolder, "/A/B", "C"),
		mk(models.KindFile, "/A/B/C", "g"),
	}

	order := postOrder(root, below)
	require.Len(t, order, 5)
	pos := make(map[string]int)
	for i, n := range order {
		pos[n.FullPath()] = i
	}
	for _, n := range order {
		if n.FullPath() == "/A" {
			continue
		}
		parent, _ := models.SplitPath(n.FullPath())
		assert.Less(t, pos[n.FullPath()], pos[parent], "%s before %s", n.FullPath(), parent)
	}
	assert.Equal(t, "/A", order[len(order)-1].FullPath())
}
