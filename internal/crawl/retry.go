package crawl

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// RetryPolicy decides whether and when a failed target fetch is retried
// within a crawl run.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds the fetch retry policy: up to 3 attempts with
// jittered exponential backoff, base 60s capped at 600s.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		maxAttempts: 3,
		baseDelay:   60 * time.Second,
		maxDelay:    600 * time.Second,
	}
}

// NewRetryPolicyWith builds a policy with explicit delays (used by tests and
// by config overrides).
func NewRetryPolicyWith(maxAttempts int, base, max time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryPolicy{maxAttempts: maxAttempts, baseDelay: base, maxDelay: max}
}

// MaxAttempts returns the attempt ceiling.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry decides whether the error is retryable after the given
// attempt (1-based). Parse failures skip the target for the run instead of
// retrying: the page is reachable, its content is just unusable.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var parseErr *monitor.ParseError
	return !errors.As(err, &parseErr)
}

// Backoff returns the jittered wait before the next attempt (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
