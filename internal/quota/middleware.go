package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/fruitsalade/pantry/internal/apperr"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/pkg/protocol"
)

// UserIDFromContext extracts the caller's user ID from the request context.
// This function type allows decoupling from the auth package.
type UserIDFromContext func(ctx context.Context) (userID string, ok bool)

// RateLimitMiddleware returns middleware that enforces per-user rate limits.
func RateLimitMiddleware(limiter *RateLimiter, getUserID UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := getUserID(r.Context())
			if !ok {
				// No user context (unauthenticated request) - let it pass
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(userID) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(userID)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Error:   apperr.CodeRateLimited,
					Message: "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
