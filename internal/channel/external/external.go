// Package external implements the external channel, which records a link
// to content hosted elsewhere instead of storing bytes.
package external

import (
	"context"
	"net/url"
	"strings"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/channel"
	"github.com/fruitsalade/pantry/internal/config"
)

// Channel accepts link uploads.
type Channel struct{}

var _ channel.Adapter = Channel{}

func New() Channel { return Channel{} }

func (Channel) Name() string { return config.ChannelExternal }

// Store validates the URL and returns it as the file's link.
func (c Channel) Store(_ context.Context, u *channel.Upload) (*channel.Result, error) {
	raw := strings.TrimSpace(u.URL)
	if raw == "" {
		return nil, apperr.Validation(apperr.CodeMissingURL, "url is required for external uploads")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, apperr.Validation(apperr.CodeValidation, "url must be an absolute http(s) URL")
	}
	return &channel.Result{
		Channel: c.Name(),
		Ref:     raw,
		Link:    raw,
		Policy:  channel.PolicyNone,
	}, nil
}
