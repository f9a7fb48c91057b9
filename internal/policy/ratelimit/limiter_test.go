package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://quotes.example.com/quote/AAPL"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://quotes.example.com/quote/MSFT"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://example.com"))
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
}
