// Package ratelimit implements a per-origin token bucket gating outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/obsrvlabs/pricewatch/internal/telemetry"
)

// Limiter manages one token bucket per external origin. The bucket is the
// only state shared between concurrent fetches for the same origin; the
// rate.Limiter updates it atomically.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultPerMinute is applied to origins without an explicit limit.
	DefaultPerMinute int
	DefaultBurst     int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := perMinute(cfg.DefaultPerMinute)
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// SetOriginLimit installs a per-origin requests-per-minute limit. An
// existing bucket is retuned in place so accumulated tokens and waiters
// holding the limiter carry over; only a new origin gets a fresh bucket.
func (l *Limiter) SetOriginLimit(rawURL string, requestsPerMinute int) {
	origin := Origin(rawURL)
	limit := perMinute(requestsPerMinute)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, exists := l.limiters[origin]; exists {
		if limiter.Limit() != limit {
			limiter.SetLimit(limit)
		}
		return
	}
	l.limiters[origin] = rate.NewLimiter(limit, l.defaultBurst)
}

// Wait blocks until a token is available for the URL's origin, or the
// context ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	origin := Origin(rawURL)

	l.mu.Lock()
	limiter, exists := l.limiters[origin]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[origin] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", origin, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(origin, waited)
	}
	return nil
}

// Origin maps a URL to its rate-limiting key (lowercase hostname).
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60.0)
}
