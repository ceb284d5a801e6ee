// Package metadata is the durable record store for files, shares and quotas.
//
// Records live in an ordered key-value space (see KV) under namespaced keys.
// Every entry carries a version so that mutable records can be updated with
// optimistic concurrency: read, modify, conditional write, retry on mismatch.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("metadata: not found")
	// ErrVersionMismatch is returned when a conditional write loses a race.
	ErrVersionMismatch = errors.New("metadata: version mismatch")
	// ErrExists is returned when a create-only write finds the key taken.
	ErrExists = errors.New("metadata: already exists")
)

// Entry is a stored value with its version.
type Entry struct {
	Value   []byte
	Version uint64
}

// Mutation is one write inside an atomic Commit.
// A nil Value deletes the key. When Expect is set the write only applies if
// the key's current version equals *Expect; 0 means the key must not exist.
type Mutation struct {
	Key    string
	Value  []byte
	Expect *uint64
}

// KV is the storage contract implemented by the badger and postgres backends.
type KV interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Commit applies all mutations atomically or none of them.
	Commit(ctx context.Context, muts ...Mutation) error
	// Scan visits every key with the given prefix in key order.
	// Returning a non-nil error from fn stops the scan and is returned.
	Scan(ctx context.Context, prefix string, fn func(key string, e *Entry) error) error
	Close() error
}

// Version returns a pointer suitable for Mutation.Expect.
func Version(v uint64) *uint64 {
	return &v
}

// Put writes value unconditionally.
func Put(ctx context.Context, kv KV, key string, value []byte) error {
	return kv.Commit(ctx, Mutation{Key: key, Value: value})
}

// CompareAndPut writes value only if the stored version equals version.
func CompareAndPut(ctx context.Context, kv KV, key string, value []byte, version uint64) error {
	return kv.Commit(ctx, Mutation{Key: key, Value: value, Expect: Version(version)})
}

// Delete removes key.
func Delete(ctx context.Context, kv KV, key string) error {
	return kv.Commit(ctx, Mutation{Key: key})
}
