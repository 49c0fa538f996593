package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-subject API throttling.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	EntryTTL          time.Duration `yaml:"entry_ttl"`
}

// DefaultRateLimitConfig allows 120 requests a minute with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 120, Burst: 40, EntryTTL: 30 * time.Minute}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per authenticated subject.
type RateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter creates a limiter; zero fields take defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	d := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = d.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = d.EntryTTL
	}
	return &RateLimiter{cfg: cfg, entries: make(map[string]*limiterEntry), now: time.Now}
}

// Allow reports whether subject may make another request now.
func (l *RateLimiter) Allow(subject string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.entries, k)
		}
	}
	entry, ok := l.entries[subject]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.cfg.RequestsPerMinute)), l.cfg.Burst),
		}
		l.entries[subject] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Middleware throttles requests that carry a subject. It must run after
// Middleware so the subject is in the context.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == "" || l.Allow(subject) {
			next.ServeHTTP(w, r)
			return
		}
		retryAfter := int(math.Ceil(60.0 / float64(l.cfg.RequestsPerMinute)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "per-user rate limit reached",
			"code":              "rate_limited",
			"retryAfterSeconds": retryAfter,
		})
	})
}
