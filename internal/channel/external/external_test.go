package external

import (
	"context"
	"testing"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/channel"
)

func TestStore(t *testing.T) {
	c := New()
	ctx := context.Background()

	res, err := c.Store(ctx, &channel.Upload{URL: " https://example.com/a.png "})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if res.Link != "https://example.com/a.png" || res.Policy != channel.PolicyNone {
		t.Errorf("result = %+v", res)
	}

	if _, err := c.Store(ctx, &channel.Upload{}); !apperr.Is(err, apperr.CodeMissingURL) {
		t.Errorf("missing url: got %v", err)
	}
	if _, err := c.Store(ctx, &channel.Upload{URL: "ftp://example.com/a"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("bad scheme: got %v", err)
	}
}
