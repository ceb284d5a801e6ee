// Package channel defines the contract shared by upload channels and the
// small helpers their implementations have in common.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"

	"github.com/fruitsalade/pantry/pkg/models"
)

// Policy tells the upload service when to classify a stored file.
type Policy int

const (
	// PolicyNone skips moderation.
	PolicyNone Policy = iota
	// PolicyInline classifies before the single metadata write.
	PolicyInline
	// PolicyDeferred writes metadata first and classifies in the background.
	PolicyDeferred
	// PolicyTwoPhase writes provisional metadata, classifies, then writes again.
	PolicyTwoPhase
)

func (p Policy) String() string {
	switch p {
	case PolicyInline:
		return "inline"
	case PolicyDeferred:
		return "deferred"
	case PolicyTwoPhase:
		return "two-phase"
	default:
		return "none"
	}
}

// ErrNoContent is returned when a byte channel receives an upload without a body.
var ErrNoContent = errors.New("channel: upload has no content")

// Upload is one file handed to a channel. Content must be seekable so the
// dispatcher can replay it on the next channel after a failure.
type Upload struct {
	Key          string // owner/folder/name
	FileName     string
	OriginalName string
	MimeType     string
	Size         int64
	Content      io.ReadSeeker

	// URL is the target of an external link upload.
	URL string
	// ServerCompress=false asks the relay to keep the original bytes.
	ServerCompress bool

	// Header and Query are the caller's request header and query, forwarded
	// by channels that proxy the upload to another HTTP API.
	Header http.Header
	Query  url.Values
}

// Rewind positions Content at its start.
func (u *Upload) Rewind() error {
	if u.Content == nil {
		return nil
	}
	if _, err := u.Content.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind upload: %w", err)
	}
	return nil
}

// Result describes where a channel put the file.
type Result struct {
	Channel   string
	Account   string // endpoint or bot that took the upload
	Ref       string // channel-specific handle used to read the bytes back
	SourceURL string // URL the moderation provider can fetch, if any
	Link      string // set by channels that return a final link themselves
	Policy    Policy
}

// Adapter stores uploads on one channel.
type Adapter interface {
	Name() string
	Store(ctx context.Context, u *Upload) (*Result, error)
}

// Opener is implemented by channels that hold bytes and can stream them back.
type Opener interface {
	Open(ctx context.Context, rec *models.FileRecord) (io.ReadCloser, int64, error)
}

// Pick returns a random element when loadBalance is set, the first otherwise.
// items must not be empty.
func Pick[T any](items []T, loadBalance bool) T {
	if loadBalance && len(items) > 1 {
		return items[rand.IntN(len(items))]
	}
	return items[0]
}
