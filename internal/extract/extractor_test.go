package extract

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

const quotePage = `<html><body>
<h1 class="name">Apple Inc.</h1>
<div data-field="price" data-value="189.25">$189.25</div>
<span class="chg">+1.20</span>
<span class="pct">(0.64%)</span>
<table><tr><td class="vol">52.3M</td></tr></table>
</body></html>`

func TestExtractReadsFields(t *testing.T) {
	t.Parallel()

	e, err := New(Selectors{
		Name:          "h1.name",
		Price:         `[data-field="price"]@data-value`,
		Change:        ".chg",
		ChangePercent: ".pct",
		Volume:        ".vol",
	})
	require.NoError(t, err)

	snap, err := e.Extract(context.Background(), crawler.Page{
		Symbol: crawler.Symbol{ID: "AAPL"},
		URL:    "https://example.com/quote/AAPL",
		HTML:   quotePage,
	})
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "AAPL", snap.ID)
	require.Equal(t, "Apple Inc.", snap.Name)
	require.True(t, decimal.RequireFromString("189.25").Equal(snap.Price))
	require.True(t, decimal.RequireFromString("1.2").Equal(snap.Change))
	require.True(t, decimal.RequireFromString("-0.64").Equal(snap.ChangePercent))
	require.Equal(t, int64(52_300_000), snap.Volume)
	require.Equal(t, "https://example.com/quote/AAPL", snap.SourceURL)
}

func TestExtractMissingPriceIsIncomplete(t *testing.T) {
	t.Parallel()

	e, err := New(Selectors{Price: ".missing"})
	require.NoError(t, err)
	snap, err := e.Extract(context.Background(), crawler.Page{HTML: quotePage})
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestNewRequiresPriceSelector(t *testing.T) {
	t.Parallel()

	_, err := New(Selectors{Name: "h1"})
	require.Error(t, err)
}

func TestParseDecimal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "1,234.50", want: "1234.5", ok: true},
		{in: "+0.56%", want: "0.56", ok: true},
		{in: "−3.1", want: "-3.1", ok: true},
		{in: "(2.00)", want: "-2", ok: true},
		{in: "1.5k", want: "1500", ok: true},
		{in: "$ 12", want: "12", ok: true},
		{in: "", ok: false},
		{in: "n/a", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := parseDecimal(tt.in)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
			}
		})
	}
}
