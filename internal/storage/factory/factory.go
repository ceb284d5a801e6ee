// Package factory builds storage backends from configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/local"
	s3backend "github.com/fruitsalade/pantry/internal/storage/s3"
)

// NewBackendFromConfig creates the object store channel's Backend.
func NewBackendFromConfig(ctx context.Context, cfg config.ObjectStoreConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Backend(ctx, cfg.S3, true)
	case "local", "":
		return local.New(local.Config{RootPath: cfg.LocalPath, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}

// NewS3Backend creates an S3 backend for one configured endpoint.
func NewS3Backend(ctx context.Context, ep config.S3Endpoint, ensureBucket bool) (*s3backend.S3Backend, error) {
	return s3backend.NewBackend(ctx, s3backend.BackendConfig{
		Endpoint:     ep.Endpoint,
		Bucket:       ep.Bucket,
		AccessKey:    ep.AccessKey,
		SecretKey:    ep.SecretKey,
		Region:       ep.Region,
		PathStyle:    ep.PathStyle,
		EnsureBucket: ensureBucket,
	})
}
