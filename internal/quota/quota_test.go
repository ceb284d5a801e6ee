package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/badger"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newLimiter(rpm int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(rpm)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newLimiter(10)

	// Should allow up to 10 requests
	for i := 0; i < 10; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// 11th should be denied
	if rl.Allow("u1") {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl, _ := newLimiter(0)

	for i := 0; i < 1000; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow("u1")
	}
	if rl.Allow("u1") {
		t.Error("should be rate limited after exhausting tokens")
	}
	if got := rl.RetryAfter("u1"); got < 1 {
		t.Errorf("expected retry-after >= 1, got %d", got)
	}

	clock.t = clock.t.Add(1100 * time.Millisecond)

	if !rl.Allow("u1") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterMultipleUsers(t *testing.T) {
	rl, _ := newLimiter(5)

	for i := 0; i < 5; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("user 1 request %d should be allowed", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Error("user 1 should be rate limited")
	}
	if !rl.Allow("u2") {
		t.Error("user 2 should not be affected by user 1's rate limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newLimiter(10)

	rl.Allow("u1")
	clock.t = clock.t.Add(2 * time.Hour)
	rl.Allow("u2")

	rl.Cleanup(1 * time.Hour)

	rl.mu.Lock()
	count := len(rl.buckets)
	_, kept := rl.buckets["u2"]
	rl.mu.Unlock()

	if count != 1 || !kept {
		t.Errorf("expected only u2 after cleanup, got %d buckets", count)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newLimiter(1)
	getUser := func(ctx context.Context) (string, bool) { return "u1", true }
	h := RateLimitMiddleware(rl, getUser)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func newLedger(t *testing.T, defaultTotal int64) *Ledger {
	t.Helper()
	kv, err := badger.Open(badger.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	store := metadata.NewStore(kv)
	t.Cleanup(func() { store.Close() })
	return NewLedger(store, defaultTotal)
}

func TestLedgerCheckAndReserve(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	snap, err := l.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Used != 0 || snap.Total != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := l.CheckAndReserve(snap, 100); err != nil {
		t.Errorf("exactly filling the quota should pass: %v", err)
	}
	err = l.CheckAndReserve(snap, 101)
	if !apperr.Is(err, apperr.CodeQuotaExceeded) {
		t.Fatalf("got %v, want QuotaExceeded", err)
	}
	if apperr.StatusOf(err) != http.StatusForbidden {
		t.Errorf("status = %d", apperr.StatusOf(err))
	}
}

func TestLedgerUnlimited(t *testing.T) {
	l := newLedger(t, 0)
	snap, _ := l.Snapshot(context.Background(), "u1")
	if err := l.CheckAndReserve(snap, 1<<40); err != nil {
		t.Errorf("unlimited quota rejected upload: %v", err)
	}
}

func TestLedgerCommit(t *testing.T) {
	l := newLedger(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Commit(ctx, "u1", 30); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := l.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Used != 150 {
		t.Errorf("used = %d, want 150", snap.Used)
	}

	// The snapshot taken before a concurrent commit is what the pre-check sees.
	stale := *snap
	if _, err := l.Commit(ctx, "u1", 800); err != nil {
		t.Fatal(err)
	}
	if err := l.CheckAndReserve(&stale, 800); err != nil {
		t.Errorf("pre-check against stale snapshot should pass: %v", err)
	}
}
