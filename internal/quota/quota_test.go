package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type ctxKey struct{}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newLimiter(rpm int) (*RateLimiter, *fakeClock) {
	c := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(rpm)
	rl.now = c.now
	return rl, c
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newLimiter(10)

	for i := 0; i < 10; i++ {
		if !rl.Allow(1) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow(1) {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl, _ := newLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow(1) {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if got := rl.RetryAfter(1); got != 0 {
		t.Errorf("RetryAfter = %d, want 0", got)
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, clock := newLimiter(60) // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow(1)
	}
	if rl.Allow(1) {
		t.Error("should be rate limited after exhausting tokens")
	}

	clock.t = clock.t.Add(1100 * time.Millisecond)
	if !rl.Allow(1) {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl, _ := newLimiter(60)
	for i := 0; i < 60; i++ {
		rl.Allow(1)
	}
	if got := rl.RetryAfter(1); got < 1 {
		t.Errorf("expected retry-after >= 1, got %d", got)
	}
	if got := rl.RetryAfter(2); got != 0 {
		t.Errorf("unknown user retry-after = %d, want 0", got)
	}
}

func TestRateLimiterMultipleUsers(t *testing.T) {
	rl, _ := newLimiter(5)
	for i := 0; i < 5; i++ {
		if !rl.Allow(1) {
			t.Fatalf("user 1 request %d should be allowed", i+1)
		}
	}
	if rl.Allow(1) {
		t.Error("user 1 should be rate limited")
	}
	if !rl.Allow(2) {
		t.Error("user 2 should not be affected by user 1's rate limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newLimiter(10)
	rl.Allow(1)
	clock.t = clock.t.Add(2 * time.Hour)
	rl.Allow(2)

	rl.Cleanup(time.Hour)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.buckets) != 1 {
		t.Fatalf("expected 1 bucket after cleanup, got %d", len(rl.buckets))
	}
	if _, ok := rl.buckets[2]; !ok {
		t.Error("recent bucket was removed")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newLimiter(1)
	user := func(ctx context.Context) (int64, bool) {
		id, ok := ctx.Value(ctxKey{}).(int64)
		return id, ok
	}
	h := RateLimitMiddleware(rl, user)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(withUser bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		if withUser {
			req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, int64(7)))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(true); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: status %d", rec.Code)
	}
	rec := do(true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec := do(false); rec.Code != http.StatusNoContent {
		t.Errorf("anonymous request: status %d", rec.Code)
	}
}
