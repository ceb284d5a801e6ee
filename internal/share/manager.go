package share

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/links"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/pkg/models"
)

const (
	tokenAttempts = 3
	// maxExpiresInSec keeps now+expiry well inside time.Duration range.
	maxExpiresInSec = 100 * 365 * 24 * 60 * 60
)

// CreateRequest describes a new share.
type CreateRequest struct {
	FileKey      string
	Password     string
	ExpiresInSec int64
	MaxViews     int
}

// Manager creates, lists and revokes shares.
type Manager struct {
	store     *metadata.Store
	bus       *events.Broadcaster
	publicURL string
	now       func() time.Time
}

// NewManager creates a manager. bus may be nil.
func NewManager(store *metadata.Store, bus *events.Broadcaster, publicURL string) *Manager {
	return &Manager{store: store, bus: bus, publicURL: publicURL, now: time.Now}
}

// Create shares one of owner's files.
func (m *Manager) Create(ctx context.Context, owner string, req CreateRequest) (*models.ShareRecord, error) {
	if req.FileKey == "" {
		return nil, apperr.Validation(apperr.CodeValidation, "file_key is required")
	}
	if req.MaxViews < 0 || req.ExpiresInSec < 0 {
		return nil, apperr.Validation(apperr.CodeValidation, "max_views and expires_in must not be negative")
	}
	if req.ExpiresInSec > maxExpiresInSec {
		return nil, apperr.Validation(apperr.CodeValidation, "expires_in must be at most %d seconds", maxExpiresInSec)
	}

	f, err := m.store.GetFile(ctx, req.FileKey)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apperr.NotFound("file %s not found", req.FileKey)
	}
	if err != nil {
		return nil, apperr.Internal(err, "load file")
	}
	if f.OwnerID != owner {
		return nil, apperr.Forbidden(apperr.CodeForbidden, "you can only share your own files")
	}

	now := m.now()
	sh := &models.ShareRecord{
		OwnerID:   owner,
		FileKey:   f.Key,
		MaxViews:  req.MaxViews,
		Active:    true,
		CreatedAt: now,
	}
	if req.Password != "" {
		if sh.PasswordHash, err = hashPassword(req.Password); err != nil {
			return nil, apperr.Internal(err, "create share")
		}
	}
	if req.ExpiresInSec > 0 {
		t := now.Add(time.Duration(req.ExpiresInSec) * time.Second)
		sh.ExpiresAt = &t
	}

	for i := 0; i < tokenAttempts; i++ {
		if sh.Token, err = generateToken(); err != nil {
			return nil, apperr.Internal(err, "generate token")
		}
		err = m.store.CreateShare(ctx, sh)
		if !errors.Is(err, metadata.ErrExists) {
			break
		}
	}
	if err != nil {
		return nil, apperr.Internal(err, "create share")
	}

	logging.WithContext(ctx).Info("share created", logging.Token(sh.Token), logging.FileKey(sh.FileKey))
	return sh, nil
}

// Revoke deactivates a share. Only its owner or an admin may revoke it.
// Revoking is idempotent.
func (m *Manager) Revoke(ctx context.Context, owner string, admin bool, token string) (*models.ShareRecord, error) {
	sh, err := m.store.UpdateShare(ctx, token, func(s *models.ShareRecord) error {
		if s.OwnerID != owner && !admin {
			return apperr.Forbidden(apperr.CodeForbidden, "you can only revoke your own shares")
		}
		s.Active = false
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, apperr.NotFound("share not found")
	}
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Internal(err, "revoke share")
	}

	if m.bus != nil {
		ev := events.Event{Type: events.EventRevoke, Key: sh.FileKey, Token: sh.Token}
		if m.publicURL != "" {
			ev.URLs = []string{links.Absolute(m.publicURL, links.SharePath(sh.Token))}
		}
		m.bus.Publish(ev)
	}
	logging.WithContext(ctx).Info("share revoked", logging.Token(token))
	return sh, nil
}

// ListByOwner returns owner's shares, newest first.
func (m *Manager) ListByOwner(ctx context.Context, owner string) ([]*models.ShareRecord, error) {
	shares, err := m.store.ListSharesByOwner(ctx, owner)
	if err != nil {
		return nil, apperr.Internal(err, "list shares")
	}
	sort.Slice(shares, func(i, j int) bool {
		return shares[i].CreatedAt.After(shares[j].CreatedAt)
	})
	return shares, nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
