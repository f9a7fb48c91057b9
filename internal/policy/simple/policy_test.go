package simple

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedWait(t *testing.T) {
	t.Parallel()

	l := New()
	require.NoError(t, l.Wait(context.Background(), "https://finance.example.com/quote/AAPL"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx, "https://finance.example.com/quote/AAPL"), context.Canceled)
}
