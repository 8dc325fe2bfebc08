package badger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/models"
)

// CreateUser assigns the next id from the user sequence key. Ids are never
// reused, so the first account is the one that receives id 1.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, promoteFirst bool) (*models.User, error) {
	var u *models.User
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(usernameKey(username)); err == nil {
			return fmt.Errorf("user %s: %w", username, metadata.ErrDuplicate)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		var last int64
		item, err := txn.Get(userSeqKey)
		switch {
		case err == nil:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			last = decodeID(val)
		case err != badger.ErrKeyNotFound:
			return err
		}

		u = &models.User{
			ID:           last + 1,
			Username:     username,
			PasswordHash: passwordHash,
			Role:         models.RoleUser,
			CreatedAt:    time.Now().UTC(),
		}
		if promoteFirst && last == 0 {
			u.Role = models.RoleAdmin
		}
		if err := txn.Set(userSeqKey, encodeID(u.ID)); err != nil {
			return err
		}
		if err := txn.Set(usernameKey(username), encodeID(u.ID)); err != nil {
			return err
		}
		return setJSON(txn, userKey(u.ID), storedUser{User: *u, PasswordHash: passwordHash})
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// storedUser persists the password hash, which models.User hides from JSON.
type storedUser struct {
	models.User
	PasswordHash string `json:"password_hash"`
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	var su storedUser
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &su)
	})
	if err != nil {
		return nil, err
	}
	u := su.User
	u.PasswordHash = su.PasswordHash
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var id int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(username))
		if err == badger.ErrKeyNotFound {
			return metadata.ErrNotFound
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id = decodeID(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	ids, err := s.ListUserIDs(ctx)
	return len(ids), err
}

func (s *Store) ListUserIDs(_ context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("u/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var id int64
			if _, err := fmt.Sscan(strings.TrimPrefix(string(it.Item().Key()), "u/"), &id); err != nil {
				return fmt.Errorf("bad user key %q: %w", it.Item().Key(), err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys sort as strings, so "u/10" comes before "u/2".
	slices.Sort(ids)
	return ids, nil
}
