// Package storage defines the Backend interface for object bytes and the
// factory that builds one from configuration.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectExists is returned by create-only writes when the key is taken.
var ErrObjectExists = errors.New("storage: object already exists")

// ErrObjectNotFound is returned when reading a missing key.
var ErrObjectNotFound = errors.New("storage: object not found")

// PutOptions tune a single write.
type PutOptions struct {
	ContentType string
	// CreateOnly makes the write fail with ErrObjectExists instead of
	// replacing an existing object.
	CreateOnly bool
}

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O (S3, local filesystem).
// Records describing the objects live in the metadata store.
type Backend interface {
	// GetObject opens an object for reading and reports its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
