package crawl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy()
	fetchErr := &monitor.FetchError{URL: "https://shop.example.com/a", HTTPStatus: 502}

	require.False(t, policy.ShouldRetry(nil, 1))
	require.True(t, policy.ShouldRetry(fetchErr, 1))
	require.True(t, policy.ShouldRetry(fetchErr, 2))
	require.False(t, policy.ShouldRetry(fetchErr, 3))

	parseErr := &monitor.ParseError{URL: "https://shop.example.com/a", Detail: "bad price"}
	require.False(t, policy.ShouldRetry(parseErr, 1))
	require.False(t, policy.ShouldRetry(context.Canceled, 1))
	require.False(t, policy.ShouldRetry(context.DeadlineExceeded, 1))

	wrapped := errors.New("fetch: " + fetchErr.Error())
	require.True(t, policy.ShouldRetry(wrapped, 1))
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy()
	for i := 0; i < 20; i++ {
		first := policy.Backoff(1)
		require.GreaterOrEqual(t, first, 30*time.Second)
		require.Less(t, first, 60*time.Second)

		second := policy.Backoff(2)
		require.GreaterOrEqual(t, second, 60*time.Second)
		require.Less(t, second, 120*time.Second)
	}
}

func TestBackoffCapped(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicyWith(10, 60*time.Second, 600*time.Second)
	for i := 0; i < 20; i++ {
		// 60s * 2^5 would be 1920s; the cap holds it at 600s.
		capped := policy.Backoff(6)
		require.GreaterOrEqual(t, capped, 300*time.Second)
		require.Less(t, capped, 600*time.Second)
	}
}
