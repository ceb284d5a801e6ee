package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/events"
)

const defaultCDNTimeout = 10 * time.Second

// CDN purges public URLs through a Cloudflare-style zone API.
type CDN struct {
	apiURL string
	zoneID string
	token  string
	client *http.Client
}

// NewCDN builds a purger from configuration.
func NewCDN(cfg config.CDNConfig) *CDN {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCDNTimeout
	}
	return NewCDNWithClient(cfg.APIURL, cfg.ZoneID, cfg.APIToken, &http.Client{Timeout: timeout})
}

func NewCDNWithClient(apiURL, zoneID, token string, client *http.Client) *CDN {
	return &CDN{apiURL: strings.TrimRight(apiURL, "/"), zoneID: zoneID, token: token, client: client}
}

func (c *CDN) Name() string { return "cdn" }

// Purge removes the event's URLs from the edge cache.
func (c *CDN) Purge(ctx context.Context, ev events.Event) error {
	if len(ev.URLs) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string][]string{"files": ev.URLs})
	if err != nil {
		return fmt.Errorf("marshal purge: %w", err)
	}
	endpoint := c.apiURL + "/zones/" + c.zoneID + "/purge_cache"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("purge call: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode purge response (status %d): %w", resp.StatusCode, err)
	}
	if !out.Success {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("purge rejected (status %d): %s", resp.StatusCode, strings.Join(msgs, "; "))
	}
	return nil
}
