package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const defaultModerateContentURL = "https://api.moderatecontent.com/moderate/"

// Thresholds applied to nsfwjs scores.
const (
	adultScore = 0.9
	teenScore  = 0.7
)

// Provider classifies the image at a URL.
type Provider interface {
	Name() string
	Classify(ctx context.Context, imageURL string) (string, error)
}

// ModerateContent calls the moderatecontent.com rating API.
type ModerateContent struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewModerateContent(endpoint, apiKey string, client *http.Client) *ModerateContent {
	if endpoint == "" {
		endpoint = defaultModerateContentURL
	}
	return &ModerateContent{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (m *ModerateContent) Name() string { return "moderatecontent" }

func (m *ModerateContent) Classify(ctx context.Context, imageURL string) (string, error) {
	q := url.Values{"key": {m.apiKey}, "url": {imageURL}}
	var resp struct {
		ErrorCode   int    `json:"error_code"`
		Error       string `json:"error"`
		RatingLabel string `json:"rating_label"`
	}
	if err := getJSON(ctx, m.client, m.endpoint+"?"+q.Encode(), &resp); err != nil {
		return "", err
	}
	if resp.ErrorCode != 0 {
		return "", fmt.Errorf("moderatecontent error %d: %s", resp.ErrorCode, resp.Error)
	}
	if resp.RatingLabel == "" {
		return "", fmt.Errorf("moderatecontent: empty rating label")
	}
	return resp.RatingLabel, nil
}

// NSFWJS calls a self-hosted nsfwjs service that returns a single score.
type NSFWJS struct {
	endpoint string
	client   *http.Client
}

func NewNSFWJS(endpoint string, client *http.Client) *NSFWJS {
	return &NSFWJS{endpoint: endpoint, client: client}
}

func (n *NSFWJS) Name() string { return "nsfwjs" }

func (n *NSFWJS) Classify(ctx context.Context, imageURL string) (string, error) {
	var resp struct {
		Score *float64 `json:"score"`
	}
	if err := getJSON(ctx, n.client, n.endpoint+"?url="+url.QueryEscape(imageURL), &resp); err != nil {
		return "", err
	}
	if resp.Score == nil {
		return "", fmt.Errorf("nsfwjs: response has no score")
	}
	return LabelForScore(*resp.Score), nil
}

// LabelForScore maps an nsfwjs score onto a rating label.
func LabelForScore(score float64) string {
	switch {
	case score >= adultScore:
		return "adult"
	case score >= teenScore:
		return "teen"
	default:
		return "everyone"
	}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("moderation call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("moderation returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
