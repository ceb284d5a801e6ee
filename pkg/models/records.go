// Package models contains the persisted record types shared across packages.
package models

import "time"

// LabelNone is the moderation label of a file that has not been classified.
const LabelNone = "None"

// FileRecord describes one stored file.
// Key is globally unique and encodes {ownerId}/{folder}/{filename}.
type FileRecord struct {
	Key            string    `json:"key"`
	OwnerID        string    `json:"owner_id"`
	Folder         string    `json:"folder,omitempty"`
	FileName       string    `json:"file_name"`
	OriginalName   string    `json:"original_name"`
	Size           int64     `json:"size"`
	MimeType       string    `json:"mime_type"`
	Channel        string    `json:"channel"`
	ChannelAccount string    `json:"channel_account,omitempty"`
	ChannelRef     string    `json:"channel_ref,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	Label          string    `json:"label"`
	Public         bool      `json:"public"`
	UploadIP       string    `json:"upload_ip,omitempty"`
	UploadRegion   string    `json:"upload_region,omitempty"`
	UploadedAt     time.Time `json:"uploaded_at"`
}

// ShareRecord is an access-controlled pointer to a file.
type ShareRecord struct {
	Token        string     `json:"token"`
	OwnerID      string     `json:"owner_id"`
	FileKey      string     `json:"file_key"`
	PasswordHash string     `json:"password_hash,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MaxViews     int        `json:"max_views"`
	Views        int        `json:"views"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

// HasPassword reports whether the share is password protected.
func (s *ShareRecord) HasPassword() bool {
	return s.PasswordHash != ""
}

// QuotaRecord tracks a user's storage consumption.
// Total <= 0 means unlimited.
type QuotaRecord struct {
	UserID    string    `json:"user_id"`
	Used      int64     `json:"used"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the bytes left, or -1 when unlimited.
func (q *QuotaRecord) Remaining() int64 {
	if q.Total <= 0 {
		return -1
	}
	if q.Used >= q.Total {
		return 0
	}
	return q.Total - q.Used
}
