package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "subjects are limited independently")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
}

func TestRateLimiterPrunesIdleEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1, EntryTTL: time.Minute})
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	now = now.Add(2 * time.Minute)
	assert.True(t, l.Allow("b"))
	assert.Len(t, l.entries, 1)
}

func TestRateLimiterMiddleware(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	do := func(subject string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
		if subject != "" {
			req = req.WithContext(WithSubject(req.Context(), subject))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, do("u").Code)
	rr := do("u")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("").Code)
}
