// Package protocol defines the API request/response types.
package protocol

import "time"

// UploadLink is one entry of the upload response array.
type UploadLink struct {
	Src string `json:"src"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Success    bool              `json:"success"`
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// ShareLinkRequest is the body for POST /api/shares.
type ShareLinkRequest struct {
	FileKey      string `json:"file_key"`
	Password     string `json:"password,omitempty"`
	ExpiresInSec int64  `json:"expires_in_sec,omitempty"` // 0 = no expiry
	MaxViews     int    `json:"max_views,omitempty"`      // 0 = unlimited
}

// ShareLinkResponse describes a share link owned by the caller.
type ShareLinkResponse struct {
	Token        string     `json:"token"`
	FileKey      string     `json:"file_key"`
	URL          string     `json:"url"`
	HasPassword  bool       `json:"has_password"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MaxViews     int        `json:"max_views"`
	Views        int        `json:"views"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

// ShareListResponse is returned by GET /api/shares.
type ShareListResponse struct {
	Shares []ShareLinkResponse `json:"shares"`
}

// QuotaResponse is returned by GET /api/quota.
type QuotaResponse struct {
	UserID    string `json:"user_id"`
	Used      int64  `json:"used"`
	Total     int64  `json:"total"`     // <= 0 = unlimited
	Remaining int64  `json:"remaining"` // -1 = unlimited
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string   `json:"status"`
	Channels []string `json:"channels"`
}

// InvalidationMessage is published to peer instances when a key changes.
type InvalidationMessage struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
	Origin string `json:"origin"`
}
