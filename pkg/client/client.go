// Package client is a Go client for the Pantry HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/fruitsalade/pantry/pkg/protocol"
	"github.com/fruitsalade/pantry/pkg/retry"
)

// Client talks to a Pantry server. Reads are retried with backoff; uploads
// and share mutations are sent once.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT auth token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	protocol.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.ErrorResponse.Error, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// do sends req and decodes a JSON response into out. Transport failures
// and 5xx responses are marked retryable.
func (c *Client) do(req *http.Request, want int, out any) error {
	c.applyAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return retry.Retryable(err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if resp.StatusCode != want {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse)
		if resp.StatusCode >= 500 {
			return retry.Retryable(apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		return c.do(req, http.StatusOK, out)
	})
}

// once sends a non-idempotent request without retrying.
func (c *Client) once(req *http.Request, want int, out any) error {
	err := c.do(req, want, out)
	var re retry.RetryableError
	if errors.As(err, &re) {
		return re.Err
	}
	return err
}

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var h protocol.HealthResponse
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// UploadOptions are the optional upload parameters.
type UploadOptions struct {
	Channel    string
	Folder     string
	NameType   string
	CustomName string
	// URL registers an external file instead of sending content.
	URL         string
	FullLink    bool
	NoAutoRetry bool
	NoCompress  bool
	Private     bool
}

// Upload sends one file and returns its link.
func (c *Client) Upload(ctx context.Context, name string, content io.Reader, opts UploadOptions) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if content != nil {
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(fw, content); err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
	}
	for field, v := range map[string]string{
		"nameType":   opts.NameType,
		"customName": opts.CustomName,
		"url":        opts.URL,
	} {
		if v == "" {
			continue
		}
		if err := mw.WriteField(field, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	q := url.Values{}
	if opts.Channel != "" {
		q.Set("uploadChannel", opts.Channel)
	}
	if opts.Folder != "" {
		q.Set("uploadFolder", opts.Folder)
	}
	if opts.FullLink {
		q.Set("returnFormat", "full")
	}
	if opts.NoAutoRetry {
		q.Set("autoRetry", "false")
	}
	if opts.NoCompress {
		q.Set("serverCompress", "false")
	}
	if opts.Private {
		q.Set("public", "false")
	}

	endpoint := c.baseURL + "/upload"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var links []protocol.UploadLink
	if err := c.once(req, http.StatusOK, &links); err != nil {
		return "", err
	}
	if len(links) == 0 {
		return "", errors.New("server returned no link")
	}
	return links[0].Src, nil
}

// CreateShare shares one of the caller's files.
func (c *Client) CreateShare(ctx context.Context, r protocol.ShareLinkRequest) (*protocol.ShareLinkResponse, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/shares", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var sh protocol.ShareLinkResponse
	if err := c.once(req, http.StatusCreated, &sh); err != nil {
		return nil, err
	}
	return &sh, nil
}

// ListShares returns the caller's shares, newest first.
func (c *Client) ListShares(ctx context.Context) ([]protocol.ShareLinkResponse, error) {
	var resp protocol.ShareListResponse
	if err := c.get(ctx, "/api/shares", &resp); err != nil {
		return nil, err
	}
	return resp.Shares, nil
}

// RevokeShare deactivates a share.
func (c *Client) RevokeShare(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/shares/"+url.PathEscape(token), nil)
	if err != nil {
		return err
	}
	return c.once(req, http.StatusOK, nil)
}

// Quota returns the caller's storage quota.
func (c *Client) Quota(ctx context.Context) (*protocol.QuotaResponse, error) {
	var q protocol.QuotaResponse
	if err := c.get(ctx, "/api/quota", &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// FormatBytes renders n for humans.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
