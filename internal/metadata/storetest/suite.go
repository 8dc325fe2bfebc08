// Package storetest is a conformance suite for metadata.Store
// implementations. It tests the interface contract, not implementation
// details.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/models"
)

// Suite runs the contract tests against stores built by NewStore. Each call
// must return an empty store.
type Suite struct {
	NewStore func(t *testing.T) metadata.Store
}

// Run executes all tests in the suite.
func (s *Suite) Run(t *testing.T) {
	t.Run("Users", s.TestUsers)
	t.Run("InsertAndFind", s.TestInsertAndFind)
	t.Run("OwnerIsolation", s.TestOwnerIsolation)
	t.Run("UpdateNode", s.TestUpdateNode)
	t.Run("DeleteNode", s.TestDeleteNode)
	t.Run("ListSubtree", s.TestListSubtree)
	t.Run("RebaseSubtree", s.TestRebaseSubtree)
	t.Run("ListByKind", s.TestListByKind)
	t.Run("Summarize", s.TestSummarize)
	t.Run("UpdateRollsBack", s.TestUpdateRollsBack)
}

var seq int

func newOwner(t *testing.T, store metadata.Store) int64 {
	t.Helper()
	seq++
	u, err := store.CreateUser(context.Background(), fmt.Sprintf("owner-%d", seq), "hash", false)
	require.NoError(t, err)
	return u.ID
}

func node(owner int64, kind models.Kind, virtualPath, name string) *models.Node {
	now := time.Now().UTC().Truncate(time.Millisecond)
	n := &models.Node{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		VirtualPath: virtualPath,
		OwnerID:     owner,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if kind == models.KindFile {
		n.SetSize(int64(len(name)))
		n.MimeType = models.InferMimeType(name)
	}
	return n
}

func insert(t *testing.T, store metadata.Store, nodes ...*models.Node) {
	t.Helper()
	for _, n := range nodes {
		err := store.Update(context.Background(), n.OwnerID, func(tx metadata.Tx) error {
			return tx.InsertNode(context.Background(), n)
		})
		require.NoError(t, err, "insert %s", n.FullPath())
	}
}

func names(nodes []*models.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.FullPath()
	}
	return out
}

func (s *Suite) TestUsers(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	first, err := store.CreateUser(ctx, "alice", "h1", true)
	require.NoError(t, err)
	assert.True(t, first.IsAdmin(), "first account should be admin")

	second, err := store.CreateUser(ctx, "bob", "h2", true)
	require.NoError(t, err)
	assert.False(t, second.IsAdmin(), "second account should not be admin")
	assert.NotEqual(t, first.ID, second.ID)

	_, err = store.CreateUser(ctx, "alice", "h3", true)
	assert.True(t, errors.Is(err, metadata.ErrDuplicate), "duplicate username: %v", err)

	got, err := store.GetUserByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "h2", got.PasswordHash)

	got, err = store.GetUser(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, models.RoleAdmin, got.Role)

	_, err = store.GetUser(ctx, 999999)
	assert.True(t, errors.Is(err, metadata.ErrNotFound))
	_, err = store.GetUserByUsername(ctx, "carol")
	assert.True(t, errors.Is(err, metadata.ErrNotFound))

	count, err := store.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ids, err := store.ListUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{first.ID, second.ID}, ids)
}

func (s *Suite) TestInsertAndFind(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	docs := node(owner, models.KindFolder, "/", "Docs")
	file := node(owner, models.KindFile, "/Docs", "a.txt")
	insert(t, store, docs, file)

	err := store.View(ctx, owner, func(r metadata.Reader) error {
		got, err := r.GetNode(ctx, file.ID)
		require.NoError(t, err)
		assert.Equal(t, "a.txt", got.Name)
		assert.Equal(t, "/Docs", got.VirtualPath)
		assert.Equal(t, models.KindFile, got.Kind)
		assert.Equal(t, int64(5), got.Size())
		assert.Equal(t, "text/plain", got.MimeType)
		assert.True(t, file.CreatedAt.Equal(got.CreatedAt))

		got, err = r.FindNode(ctx, "/", "Docs")
		require.NoError(t, err)
		assert.Equal(t, docs.ID, got.ID)
		assert.Nil(t, got.SizeBytes, "folders have no size")

		_, err = r.FindNode(ctx, "/", "Missing")
		assert.True(t, errors.Is(err, metadata.ErrNotFound))

		children, err := r.ListChildren(ctx, "/Docs")
		require.NoError(t, err)
		assert.Equal(t, []string{"/Docs/a.txt"}, names(children))

		empty, err := r.ListChildren(ctx, "/Nowhere")
		require.NoError(t, err)
		assert.Empty(t, empty)
		return nil
	})
	require.NoError(t, err)

	dup := node(owner, models.KindFile, "/Docs", "a.txt")
	err = store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.InsertNode(ctx, dup)
	})
	assert.True(t, errors.Is(err, metadata.ErrDuplicate), "sibling collision: %v", err)

	// Same name as a folder is still a collision.
	err = store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.InsertNode(ctx, node(owner, models.KindFile, "/", "Docs"))
	})
	assert.True(t, errors.Is(err, metadata.ErrDuplicate), "file named like folder: %v", err)
}

func (s *Suite) TestOwnerIsolation(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	alice, bob := newOwner(t, store), newOwner(t, store)

	a := node(alice, models.KindFolder, "/", "Docs")
	b := node(bob, models.KindFolder, "/", "Docs")
	insert(t, store, a, b)

	err := store.View(ctx, bob, func(r metadata.Reader) error {
		_, err := r.GetNode(ctx, a.ID)
		assert.True(t, errors.Is(err, metadata.ErrNotFound), "other owner's node visible")

		children, err := r.ListChildren(ctx, "/")
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, b.ID, children[0].ID)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, bob, func(tx metadata.Tx) error {
		return tx.DeleteNode(ctx, a.ID)
	})
	assert.True(t, errors.Is(err, metadata.ErrNotFound))
}

func (s *Suite) TestUpdateNode(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	a := node(owner, models.KindFile, "/", "a.txt")
	b := node(owner, models.KindFile, "/", "b.txt")
	insert(t, store, a, b)

	renamed := a.Clone()
	renamed.Name = "c.txt"
	renamed.ModifiedAt = a.ModifiedAt.Add(time.Minute)
	renamed.SetSize(99)
	require.NoError(t, store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.UpdateNode(ctx, renamed)
	}))

	err := store.View(ctx, owner, func(r metadata.Reader) error {
		_, err := r.FindNode(ctx, "/", "a.txt")
		assert.True(t, errors.Is(err, metadata.ErrNotFound), "old name still indexed")
		got, err := r.FindNode(ctx, "/", "c.txt")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, int64(99), got.Size())
		assert.True(t, renamed.ModifiedAt.Equal(got.ModifiedAt))
		return nil
	})
	require.NoError(t, err)

	clash := b.Clone()
	clash.Name = "c.txt"
	err = store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.UpdateNode(ctx, clash)
	})
	assert.True(t, errors.Is(err, metadata.ErrDuplicate), "rename onto sibling: %v", err)

	ghost := node(owner, models.KindFile, "/", "ghost.txt")
	err = store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.UpdateNode(ctx, ghost)
	})
	assert.True(t, errors.Is(err, metadata.ErrNotFound))
}

func (s *Suite) TestDeleteNode(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	a := node(owner, models.KindFile, "/", "a.txt")
	insert(t, store, a)

	require.NoError(t, store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.DeleteNode(ctx, a.ID)
	}))
	err := store.View(ctx, owner, func(r metadata.Reader) error {
		_, err := r.GetNode(ctx, a.ID)
		assert.True(t, errors.Is(err, metadata.ErrNotFound))
		_, err = r.FindNode(ctx, "/", "a.txt")
		assert.True(t, errors.Is(err, metadata.ErrNotFound))
		return nil
	})
	require.NoError(t, err)

	// The name is free again.
	insert(t, store, node(owner, models.KindFile, "/", "a.txt"))

	err = store.Update(ctx, owner, func(tx metadata.Tx) error {
		return tx.DeleteNode(ctx, a.ID)
	})
	assert.True(t, errors.Is(err, metadata.ErrNotFound))
}

func (s *Suite) TestListSubtree(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	insert(t, store,
		node(owner, models.KindFolder, "/", "Docs"),
		node(owner, models.KindFolder, "/Docs", "A"),
		node(owner, models.KindFile, "/Docs/A", "x.txt"),
		node(owner, models.KindFile, "/Docs", "top.txt"),
		node(owner, models.KindFolder, "/", "Docs2"),
		node(owner, models.KindFile, "/Docs2", "y.txt"),
		node(owner, models.KindFolder, "/", "Docs_"),
		node(owner, models.KindFile, "/Docs_", "z.txt"),
	)

	err := store.View(ctx, owner, func(r metadata.Reader) error {
		sub, err := r.ListSubtree(ctx, "/Docs")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"/Docs/A", "/Docs/A/x.txt", "/Docs/top.txt"}, names(sub))

		sub, err = r.ListSubtree(ctx, "/Docs/A/x.txt")
		require.NoError(t, err)
		assert.Empty(t, sub)
		return nil
	})
	require.NoError(t, err)
}

func (s *Suite) TestRebaseSubtree(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	docs := node(owner, models.KindFolder, "/", "Docs")
	insert(t, store,
		docs,
		node(owner, models.KindFolder, "/Docs", "A"),
		node(owner, models.KindFile, "/Docs/A", "x.txt"),
		node(owner, models.KindFile, "/Docs", "top.txt"),
		node(owner, models.KindFolder, "/", "Docs2"),
		node(owner, models.KindFile, "/Docs2", "y.txt"),
	)

	var changed int
	require.NoError(t, store.Update(ctx, owner, func(tx metadata.Tx) error {
		moved := docs.Clone()
		moved.Name = "Archive"
		if err := tx.UpdateNode(ctx, moved); err != nil {
			return err
		}
		var err error
		changed, err = tx.RebaseSubtree(ctx, "/Docs", "/Archive")
		return err
	}))
	assert.Equal(t, 3, changed)

	err := store.View(ctx, owner, func(r metadata.Reader) error {
		sub, err := r.ListSubtree(ctx, "/Archive")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"/Archive/A", "/Archive/A/x.txt", "/Archive/top.txt"}, names(sub))

		old, err := r.ListSubtree(ctx, "/Docs")
		require.NoError(t, err)
		assert.Empty(t, old)

		untouched, err := r.ListChildren(ctx, "/Docs2")
		require.NoError(t, err)
		assert.Equal(t, []string{"/Docs2/y.txt"}, names(untouched))

		got, err := r.FindNode(ctx, "/Archive/A", "x.txt")
		require.NoError(t, err)
		assert.Equal(t, "/Archive/A", got.VirtualPath)
		return nil
	})
	require.NoError(t, err)
}

func (s *Suite) TestListByKind(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	insert(t, store,
		node(owner, models.KindFolder, "/", "Docs"),
		node(owner, models.KindFolder, "/Docs", "A"),
		node(owner, models.KindFile, "/Docs", "b.txt"),
	)

	err := store.View(ctx, owner, func(r metadata.Reader) error {
		folders, err := r.ListFolders(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/Docs", "/Docs/A"}, names(folders))

		files, err := r.ListFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"/Docs/b.txt"}, names(files))
		return nil
	})
	require.NoError(t, err)
}

func (s *Suite) TestSummarize(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	now := time.Now().UTC().Truncate(time.Millisecond)
	var files []*models.Node
	for i := 0; i < 7; i++ {
		f := node(owner, models.KindFile, "/", fmt.Sprintf("f%d.txt", i))
		f.SetSize(int64(10 * (i + 1)))
		f.CreatedAt = now.Add(-time.Duration(i) * 24 * time.Hour)
		files = append(files, f)
	}
	old := node(owner, models.KindFile, "/", "old.txt")
	old.SetSize(1)
	old.CreatedAt = now.Add(-30 * 24 * time.Hour)
	insert(t, store, append(files, old, node(owner, models.KindFolder, "/", "Docs"))...)

	err := store.View(ctx, owner, func(r metadata.Reader) error {
		sum, err := r.Summarize(ctx, now.Add(-7*24*time.Hour), 5)
		require.NoError(t, err)
		assert.Equal(t, 8, sum.Files)
		assert.Equal(t, 1, sum.Folders)
		assert.Equal(t, int64(10+20+30+40+50+60+70+1), sum.TotalSize)
		require.Len(t, sum.Recent, 5)
		for i, n := range sum.Recent {
			assert.Equal(t, files[i].ID, n.ID, "recent[%d]", i)
		}
		return nil
	})
	require.NoError(t, err)

	other := newOwner(t, store)
	err = store.View(ctx, other, func(r metadata.Reader) error {
		sum, err := r.Summarize(ctx, now.Add(-7*24*time.Hour), 5)
		require.NoError(t, err)
		assert.Zero(t, sum.Files)
		assert.Zero(t, sum.TotalSize)
		assert.Empty(t, sum.Recent)
		return nil
	})
	require.NoError(t, err)
}

func (s *Suite) TestUpdateRollsBack(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	owner := newOwner(t, store)

	boom := errors.New("boom")
	n := node(owner, models.KindFolder, "/", "Docs")
	err := store.Update(ctx, owner, func(tx metadata.Tx) error {
		if err := tx.InsertNode(ctx, n); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.View(ctx, owner, func(r metadata.Reader) error {
		_, err := r.GetNode(ctx, n.ID)
		assert.True(t, errors.Is(err, metadata.ErrNotFound), "aborted insert is visible")
		return nil
	})
	require.NoError(t, err)
}
