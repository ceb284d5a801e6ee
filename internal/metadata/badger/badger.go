// Package badger provides the embedded BadgerDB metadata backend.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/fruitsalade/pantry/internal/metadata"
)

// Config configures the BadgerDB backend.
type Config struct {
	// Dir is where BadgerDB keeps its files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// BlockCacheSizeMB defaults to 64.
	BlockCacheSizeMB int64
}

// KV is a metadata.KV backed by BadgerDB.
// Entry versions are Badger commit timestamps.
type KV struct {
	db *badger.DB
}

var _ metadata.KV = (*KV)(nil)

// Open opens (or creates) a BadgerDB database.
func Open(cfg Config) (*KV, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	opts = opts.
		WithLogger(nil).
		WithCompression(options.None).
		WithBlockCacheSize(blockCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Dir, err)
	}
	return &KV{db: db}, nil
}

// Get returns the value and version stored under key.
func (kv *KV) Get(ctx context.Context, key string) (*metadata.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *metadata.Entry
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry = &metadata.Entry{Value: val, Version: item.Version()}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return entry, nil
}

// Commit applies muts in a single transaction. Version expectations are
// checked inside the transaction; Badger's own conflict detection covers
// writers that commit between our read and our commit.
func (kv *KV) Commit(ctx context.Context, muts ...metadata.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := kv.db.Update(func(txn *badger.Txn) error {
		for _, m := range muts {
			k := []byte(m.Key)
			if m.Expect != nil {
				var current uint64
				item, err := txn.Get(k)
				switch {
				case err == nil:
					current = item.Version()
				case !errors.Is(err, badger.ErrKeyNotFound):
					return err
				}
				if current != *m.Expect {
					return metadata.ErrVersionMismatch
				}
			}
			if m.Value == nil {
				if err := txn.Delete(k); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(k, m.Value); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, metadata.ErrVersionMismatch), errors.Is(err, badger.ErrConflict):
		return metadata.ErrVersionMismatch
	default:
		return fmt.Errorf("badger commit: %w", err)
	}
}

// Scan iterates keys under prefix in order.
func (kv *KV) Scan(ctx context.Context, prefix string, fn func(string, *metadata.Entry) error) error {
	return kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), &metadata.Entry{Value: val, Version: item.Version()}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (kv *KV) Close() error {
	return kv.db.Close()
}
