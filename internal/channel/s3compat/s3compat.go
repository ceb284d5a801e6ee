// Package s3compat implements the s3 channel over any number of
// S3-compatible endpoints.
package s3compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/links"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/internal/storage/factory"
	s3backend "github.com/fruitsalade/pantry/internal/storage/s3"
	"github.com/fruitsalade/pantry/pkg/models"
)

// Endpoint is one bucket the channel can write to.
type Endpoint struct {
	Name    string
	Backend storage.Backend
	// URL settings used to build the public source URL.
	BaseURL   string // empty = AWS
	Bucket    string
	Region    string
	PathStyle bool
}

// Channel spreads uploads over its endpoints.
type Channel struct {
	endpoints   []Endpoint
	loadBalance bool
	createOnly  bool
}

var (
	_ channel.Adapter = (*Channel)(nil)
	_ channel.Opener  = (*Channel)(nil)
)

// New connects to every configured endpoint.
func New(ctx context.Context, cfg config.S3ChannelConfig) (*Channel, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("s3 channel: no endpoints configured")
	}
	eps := make([]Endpoint, 0, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		b, err := factory.NewS3Backend(ctx, ep, false)
		if err != nil {
			return nil, fmt.Errorf("s3 endpoint %d: %w", i, err)
		}
		name := ep.Name
		if name == "" {
			name = fmt.Sprintf("s3-%d", i)
		}
		eps = append(eps, Endpoint{
			Name:      name,
			Backend:   b,
			BaseURL:   ep.Endpoint,
			Bucket:    ep.Bucket,
			Region:    ep.Region,
			PathStyle: ep.PathStyle,
		})
	}
	return NewWithEndpoints(eps, cfg.LoadBalance, cfg.CreateOnly), nil
}

// NewWithEndpoints builds a channel over already constructed endpoints.
func NewWithEndpoints(eps []Endpoint, loadBalance, createOnly bool) *Channel {
	return &Channel{endpoints: eps, loadBalance: loadBalance, createOnly: createOnly}
}

func (c *Channel) Name() string { return config.ChannelS3 }

// Store puts the upload on one endpoint.
func (c *Channel) Store(ctx context.Context, u *channel.Upload) (*channel.Result, error) {
	if u.Content == nil {
		return nil, channel.ErrNoContent
	}
	ep := channel.Pick(c.endpoints, c.loadBalance)

	err := ep.Backend.PutObject(ctx, u.Key, u.Content, u.Size, storage.PutOptions{
		ContentType: u.MimeType,
		CreateOnly:  c.createOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
	}

	logging.Debug("s3 object stored", logging.Channel(c.Name()), logging.FileKey(u.Key),
		zap.String("endpoint", ep.Name))

	return &channel.Result{
		Channel:   c.Name(),
		Account:   ep.Name,
		Ref:       u.Key,
		SourceURL: ep.ObjectURL(u.Key),
		Policy:    channel.PolicyTwoPhase,
	}, nil
}

// Open reads the object back from the endpoint that stored it. Records
// whose endpoint has since been removed fall back to the first endpoint.
func (c *Channel) Open(ctx context.Context, rec *models.FileRecord) (io.ReadCloser, int64, error) {
	ep := c.endpoints[0]
	for _, e := range c.endpoints {
		if e.Name == rec.ChannelAccount {
			ep = e
			break
		}
	}
	ref := rec.ChannelRef
	if ref == "" {
		ref = rec.Key
	}
	return ep.Backend.GetObject(ctx, ref)
}

// Close releases every endpoint.
func (c *Channel) Close() error {
	var errs []error
	for _, ep := range c.endpoints {
		if err := ep.Backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ObjectURL returns the address of key on this endpoint: path-style
// {endpoint}/{bucket}/{key}, or virtual-host {scheme}://{bucket}.{host}/{key}.
func (e Endpoint) ObjectURL(key string) string {
	escaped := links.EscapeKey(key)
	if e.BaseURL == "" {
		region := e.Region
		if region == "" || region == s3backend.DefaultRegion {
			return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", e.Bucket, escaped)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", e.Bucket, region, escaped)
	}
	base := strings.TrimRight(e.BaseURL, "/")
	if e.PathStyle {
		return base + "/" + e.Bucket + "/" + escaped
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base + "/" + e.Bucket + "/" + escaped
	}
	return u.Scheme + "://" + e.Bucket + "." + u.Host + "/" + escaped
}
