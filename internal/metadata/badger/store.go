// Package badger provides an embedded metadata store on BadgerDB.
//
// Key schema:
//
//	n/<owner>/<id>                  node record (JSON)
//	c/<owner>/<virtualPath>\x00<name> sibling index, value is the node id
//	u/<id>                          user record (JSON)
//	un/<username>                   username index, value is the user id
//	seq/users                       last assigned user id
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fruitsalade/docvault/internal/metadata"
	"github.com/fruitsalade/docvault/internal/metrics"
)

var userSeqKey = []byte("seq/users")

// Config contains configuration for opening a Badger metadata store.
type Config struct {
	// Path is the directory holding the database files. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Store implements metadata.Store on BadgerDB.
type Store struct {
	db *badger.DB
}

var _ metadata.Store = (*Store)(nil)

// New opens (or creates) a Badger metadata store.
func New(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	// Records are small JSON documents; compression is not worth its cost.
	opts = opts.WithLoggingLevel(badger.WARNING).WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ownerPrefix(kind string, ownerID int64) string {
	return kind + "/" + strconv.FormatInt(ownerID, 10) + "/"
}

func nodeKey(ownerID int64, id string) []byte {
	return []byte(ownerPrefix("n", ownerID) + id)
}

func childPrefix(ownerID int64, virtualPath string) []byte {
	return []byte(ownerPrefix("c", ownerID) + virtualPath + "\x00")
}

func childKey(ownerID int64, virtualPath, name string) []byte {
	return append(childPrefix(ownerID, virtualPath), name...)
}

func userKey(id int64) []byte {
	return []byte("u/" + strconv.FormatInt(id, 10))
}

func usernameKey(username string) []byte {
	return []byte("un/" + username)
}

func encodeID(id int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func decodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return metadata.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// update runs fn in a read-write transaction, retrying optimistic conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return retry.Do(
		func() error { return s.db.Update(fn) },
		retry.Attempts(5),
		retry.Delay(5*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, badger.ErrConflict) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, ownerID int64, fn func(metadata.Reader) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("badger_view", time.Since(start)) }()
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&nodeTx{txn: txn, ownerID: ownerID})
	})
}

// Update runs fn in a read-write transaction. The transaction is optimistic;
// the engine's per-owner lock keeps conflicts to concurrent processes.
func (s *Store) Update(ctx context.Context, ownerID int64, fn func(metadata.Tx) error) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("badger_update", time.Since(start)) }()
	return s.update(ctx, func(txn *badger.Txn) error {
		return fn(&nodeTx{txn: txn, ownerID: ownerID})
	})
}
