// Package moderation rates uploaded images through an external provider.
// Classification never fails: any provider error yields models.LabelNone.
package moderation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/pkg/models"
)

const defaultTimeout = 15 * time.Second

// Gate wraps the configured provider. A nil provider disables moderation.
type Gate struct {
	provider Provider
}

// NewGate builds the gate from configuration.
func NewGate(cfg config.ModerationConfig) (*Gate, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	switch cfg.Provider {
	case "", "none":
		return &Gate{}, nil
	case "moderatecontent":
		return &Gate{provider: NewModerateContent(cfg.Endpoint, cfg.APIKey, client)}, nil
	case "nsfwjs":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("moderation: nsfwjs requires an endpoint")
		}
		return &Gate{provider: NewNSFWJS(cfg.Endpoint, client)}, nil
	default:
		return nil, fmt.Errorf("moderation: unknown provider %q", cfg.Provider)
	}
}

// NewGateWithProvider wraps an explicit provider.
func NewGateWithProvider(p Provider) *Gate {
	return &Gate{provider: p}
}

// Enabled reports whether a provider is configured.
func (g *Gate) Enabled() bool { return g != nil && g.provider != nil }

// Classify returns the label for the image at imageURL.
func (g *Gate) Classify(ctx context.Context, imageURL string) string {
	if !g.Enabled() || imageURL == "" {
		return models.LabelNone
	}
	label, err := g.provider.Classify(ctx, imageURL)
	if err != nil {
		logging.WithContext(ctx).Warn("moderation failed",
			zap.String("provider", g.provider.Name()), logging.Err(err))
		label = models.LabelNone
	}
	metrics.RecordModeration(g.provider.Name(), label)
	return label
}
