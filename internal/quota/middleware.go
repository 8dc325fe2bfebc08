package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metrics"
)

// UserIDFromContext extracts the caller's user id from a request context.
// It keeps this package independent of auth.
type UserIDFromContext func(ctx context.Context) (userID int64, ok bool)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    int    `json:"code"`
}

// RateLimitMiddleware returns middleware that enforces per-user rate limits.
// Requests without a user pass through.
func RateLimitMiddleware(limiter *RateLimiter, userID UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := userID(r.Context())
			if !ok || limiter.Allow(id) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			logging.WithContext(r.Context()).Debug("rate limited", zap.Int("limit_rpm", limiter.Limit()))
			w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(id)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(errorBody{
				Error: "rate limit exceeded",
				Code:  http.StatusTooManyRequests,
			})
		})
	}
}
