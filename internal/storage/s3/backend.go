// Package s3 provides a storage.Backend for S3 and S3-compatible services
// (MinIO, Cloudflare R2, Backblaze B2).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/storage"
)

// DefaultRegion is used when no region is configured. S3-compatible
// services that ignore regions accept it.
const DefaultRegion = "auto"

// BackendConfig describes one bucket on one endpoint.
type BackendConfig struct {
	Endpoint  string // empty = AWS
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	PathStyle bool
	// EnsureBucket creates the bucket at startup when it is missing.
	EnsureBucket bool
}

// S3Backend implements storage.Backend using S3.
type S3Backend struct {
	client *s3.Client
	bucket string
}

var _ storage.Backend = (*S3Backend)(nil)

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	backend := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
	}

	if cfg.EnsureBucket {
		if err := backend.ensureBucket(ctx); err != nil {
			logging.Error("bucket check failed", zap.String("bucket", cfg.Bucket), zap.Error(err))
		}
	}

	return backend, nil
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if createErr != nil {
		metrics.RecordS3Operation("create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	metrics.RecordS3Operation("create_bucket", time.Since(start), true)
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// Bucket returns the bucket name.
func (b *S3Backend) Bucket() string { return b.bucket }

// GetObject retrieves an object from S3.
func (b *S3Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, storage.ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordS3Operation("get_object", time.Since(start), true)

	size := aws.ToInt64(result.ContentLength)
	return result.Body, size, nil
}

// PutObject uploads content to S3. Create-only writes send
// If-None-Match: * so the service rejects an existing key.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.CreateOnly {
		input.IfNoneMatch = aws.String("*")
	}

	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		if isPreconditionFailed(err) {
			return storage.ErrObjectExists
		}
		return fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordS3Operation("put_object", time.Since(start), true)
	logging.Debug("S3 put object", zap.String("bucket", b.bucket), zap.String("key", key), zap.Int64("size", size))
	return nil
}

// ObjectExists checks if an object exists in S3.
func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}

	metrics.RecordS3Operation("head_object", time.Since(start), true)
	return true, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == http.StatusPreconditionFailed
	}
	return false
}
