// Package objectstore implements the cfr2 channel: one object store reached
// through a storage.Backend, with objects published under a public URL.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/links"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/storage"
	"github.com/fruitsalade/pantry/pkg/models"
)

// Channel stores uploads in a single backend.
type Channel struct {
	backend   storage.Backend
	publicURL string
}

var (
	_ channel.Adapter = (*Channel)(nil)
	_ channel.Opener  = (*Channel)(nil)
)

// New wraps backend. publicURL may be empty, in which case stored objects
// have no source URL and deferred moderation is skipped.
func New(backend storage.Backend, publicURL string) *Channel {
	return &Channel{backend: backend, publicURL: strings.TrimRight(publicURL, "/")}
}

func (c *Channel) Name() string { return config.ChannelObjectStore }

// Store writes the upload under its key. Writes are create-only so a
// concurrent upload that won the same key is never overwritten.
func (c *Channel) Store(ctx context.Context, u *channel.Upload) (*channel.Result, error) {
	if u.Content == nil {
		return nil, channel.ErrNoContent
	}
	err := c.backend.PutObject(ctx, u.Key, u.Content, u.Size, storage.PutOptions{
		ContentType: u.MimeType,
		CreateOnly:  true,
	})
	if errors.Is(err, storage.ErrObjectExists) {
		return nil, fmt.Errorf("object %s already exists", u.Key)
	}
	if err != nil {
		return nil, err
	}

	logging.Debug("object stored", logging.Channel(c.Name()), logging.FileKey(u.Key),
		zap.String("backend", c.backend.Type()))

	return &channel.Result{
		Channel:   c.Name(),
		Account:   c.backend.Type(),
		Ref:       u.Key,
		SourceURL: c.objectURL(u.Key),
		Policy:    channel.PolicyDeferred,
	}, nil
}

// Open streams the object back.
func (c *Channel) Open(ctx context.Context, rec *models.FileRecord) (io.ReadCloser, int64, error) {
	ref := rec.ChannelRef
	if ref == "" {
		ref = rec.Key
	}
	return c.backend.GetObject(ctx, ref)
}

// Close releases the backend.
func (c *Channel) Close() error { return c.backend.Close() }

func (c *Channel) objectURL(key string) string {
	if c.publicURL == "" {
		return ""
	}
	return c.publicURL + "/" + links.EscapeKey(key)
}
