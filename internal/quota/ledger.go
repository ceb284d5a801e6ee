// Package quota tracks per-user storage consumption and request rates.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/pkg/models"
)

// Ledger reads and commits storage usage.
//
// The pre-check runs against a snapshot taken at request start, so two
// concurrent uploads from one user can both pass it and both commit. Commit
// itself is an optimistic compare-and-swap loop and never loses an update.
type Ledger struct {
	store        *metadata.Store
	defaultTotal int64
}

// NewLedger creates a ledger. defaultTotal applies to users without a
// record; <= 0 means unlimited.
func NewLedger(store *metadata.Store, defaultTotal int64) *Ledger {
	return &Ledger{store: store, defaultTotal: defaultTotal}
}

// Snapshot returns the user's current quota. A missing record is reported
// as zero usage against the default total.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (*models.QuotaRecord, error) {
	q, err := l.store.GetQuota(ctx, userID)
	if errors.Is(err, metadata.ErrNotFound) {
		return &models.QuotaRecord{UserID: userID, Total: l.defaultTotal}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota for %s: %w", userID, err)
	}
	return q, nil
}

// CheckAndReserve rejects an upload of estimated bytes that would take the
// snapshot over its total. Nothing is persisted.
func (l *Ledger) CheckAndReserve(snapshot *models.QuotaRecord, estimated int64) error {
	if snapshot.Total <= 0 {
		return nil
	}
	if snapshot.Used+estimated > snapshot.Total {
		metrics.RecordQuotaExceeded()
		return apperr.Forbidden(apperr.CodeQuotaExceeded,
			"storage quota exceeded: %d of %d bytes used, upload needs %d",
			snapshot.Used, snapshot.Total, estimated)
	}
	return nil
}

// Commit adds actual bytes to the user's usage. It is called only after a
// channel write succeeded; callers log failures and carry on.
func (l *Ledger) Commit(ctx context.Context, userID string, actual int64) (*models.QuotaRecord, error) {
	if actual < 0 {
		actual = 0
	}
	q, err := l.store.UpdateQuota(ctx, userID, models.QuotaRecord{Total: l.defaultTotal},
		func(q *models.QuotaRecord) error {
			q.Used += actual
			if q.Used < 0 {
				q.Used = 0
			}
			return nil
		})
	if err != nil {
		metrics.RecordQuotaCommitFailure()
		return nil, fmt.Errorf("commit quota for %s: %w", userID, err)
	}
	return q, nil
}
