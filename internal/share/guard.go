package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/links"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/pkg/models"
)

// State is the outcome of evaluating a share against one access attempt.
type State int

const (
	StateServing State = iota
	StatePasswordRequired
	StateDisabled
	StateExpired
	StateViewExhausted
	StateWrongPassword
	StatePrivate
)

func (s State) String() string {
	switch s {
	case StateServing:
		return "serving"
	case StatePasswordRequired:
		return "password_required"
	case StateDisabled:
		return "disabled"
	case StateExpired:
		return "expired"
	case StateViewExhausted:
		return "view_exhausted"
	case StateWrongPassword:
		return "wrong_password"
	case StatePrivate:
		return "private"
	}
	return "unknown"
}

// Err returns the error reported for a refusing state, nil otherwise.
func (s State) Err() error {
	switch s {
	case StateDisabled:
		return apperr.Forbidden(apperr.CodeShareDisabled, "this share has been disabled")
	case StateExpired:
		return apperr.Gone(apperr.CodeShareExpired, "this share has expired")
	case StateViewExhausted:
		return apperr.Gone(apperr.CodeViewsExhausted, "this share has reached its view limit")
	case StateWrongPassword:
		return apperr.Unauthorized(apperr.CodeWrongPassword, "incorrect password")
	case StatePrivate:
		return apperr.Forbidden(apperr.CodeForbidden, "this file is not public")
	}
	return nil
}

// lifecycle checks the terminal states in their fixed order.
func lifecycle(s *models.ShareRecord, now time.Time) State {
	switch {
	case !s.Active:
		return StateDisabled
	case s.ExpiresAt != nil && !now.Before(*s.ExpiresAt):
		return StateExpired
	case s.MaxViews > 0 && s.Views >= s.MaxViews:
		return StateViewExhausted
	}
	return StateServing
}

// Evaluate runs the access rules against s. An expiry equal to now counts
// as expired.
func Evaluate(s *models.ShareRecord, now time.Time, password string) State {
	if st := lifecycle(s, now); st != StateServing {
		return st
	}
	if !s.HasPassword() {
		return StateServing
	}
	if password == "" {
		return StatePasswordRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) != nil {
		return StateWrongPassword
	}
	return StateServing
}

// Decision is the result of a permitted access.
type Decision struct {
	State State
	File  *models.FileRecord
	// Share is the share after the view was counted, nil for public files.
	Share *models.ShareRecord
}

// Guard enforces share rules and counts views.
type Guard struct {
	store     *metadata.Store
	bus       *events.Broadcaster
	publicURL string
	now       func() time.Time
}

// NewGuard creates a guard. bus may be nil.
func NewGuard(store *metadata.Store, bus *events.Broadcaster, publicURL string) *Guard {
	return &Guard{store: store, bus: bus, publicURL: publicURL, now: time.Now}
}

// Access decides whether t may be served with password. A permitted access
// with a share increments its view count; the increment re-checks the rules
// against the latest stored state so concurrent readers can never push the
// count past its limit. A PasswordRequired decision changes nothing.
func (g *Guard) Access(ctx context.Context, t *Target, password string) (*Decision, error) {
	if t.Share == nil {
		if !t.File.Public {
			g.record(t, StatePrivate)
			return nil, StatePrivate.Err()
		}
		g.record(t, StateServing)
		g.publish(t)
		return &Decision{State: StateServing, File: t.File}, nil
	}

	st := Evaluate(t.Share, g.now(), password)
	switch st {
	case StateServing:
	case StatePasswordRequired:
		g.record(t, st)
		return &Decision{State: st, File: t.File, Share: t.Share}, nil
	default:
		g.record(t, st)
		return nil, st.Err()
	}

	refused := StateServing
	updated, err := g.store.UpdateShare(ctx, t.Share.Token, func(s *models.ShareRecord) error {
		now := g.now()
		if refused = lifecycle(s, now); refused != StateServing {
			return refused.Err()
		}
		s.Views++
		s.LastAccessAt = &now
		return nil
	})
	if err != nil {
		if refused != StateServing {
			g.record(t, refused)
			return nil, err
		}
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, apperr.NotFound("share not found")
		}
		return nil, apperr.Internal(err, "record share view")
	}

	g.record(t, StateServing)
	logging.WithContext(ctx).Debug("share view counted",
		logging.Token(updated.Token), zap.Int("views", updated.Views), zap.Int("max_views", updated.MaxViews))
	g.publish(t)
	return &Decision{State: StateServing, File: t.File, Share: updated}, nil
}

func (g *Guard) record(t *Target, st State) {
	metrics.RecordShareAccess(string(t.Mode), st.String())
}

func (g *Guard) publish(t *Target) {
	if g.bus == nil {
		return
	}
	ev := events.Event{Type: events.EventAccess, Key: t.File.Key, Channel: t.File.Channel}
	if t.Share != nil {
		ev.Token = t.Share.Token
		if g.publicURL != "" {
			ev.URLs = []string{links.Absolute(g.publicURL, links.SharePath(t.Share.Token))}
		}
	}
	g.bus.Publish(ev)
}

// hashPassword returns the bcrypt hash stored on a share.
func hashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}
