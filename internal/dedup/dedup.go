// Package dedup decides whether a symbol already has a snapshot for a trading date.
package dedup

import (
	"context"
	"fmt"

	"github.com/JakeFAU/market-navigator/internal/calendar"
	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// Deduper checks a snapshot source for per-(symbol, trading date) captures.
type Deduper struct {
	source crawler.SnapshotQuerier
	oracle *calendar.Oracle
}

// New builds a Deduper over source, projecting timestamps with oracle.
func New(source crawler.SnapshotQuerier, oracle *calendar.Oracle) *Deduper {
	return &Deduper{source: source, oracle: oracle}
}

// AlreadyCaptured reports whether any snapshot for id projects onto tradingDate.
func (d *Deduper) AlreadyCaptured(ctx context.Context, id, tradingDate string) (bool, error) {
	from, to, err := d.oracle.DayBounds(tradingDate)
	if err != nil {
		return false, err
	}
	candidates, err := d.source.Query(ctx, id, from, to)
	if err != nil {
		return false, fmt.Errorf("query snapshots for %s: %w", id, err)
	}
	for _, s := range candidates {
		if s.ID == id && d.oracle.TradingDate(s.DateTime) == tradingDate {
			return true, nil
		}
	}
	return false, nil
}

// Missing returns the symbols that have no capture for tradingDate, in order.
func (d *Deduper) Missing(ctx context.Context, symbols []crawler.Symbol, tradingDate string) ([]crawler.Symbol, error) {
	out := make([]crawler.Symbol, 0, len(symbols))
	for _, sym := range symbols {
		captured, err := d.AlreadyCaptured(ctx, sym.ID, tradingDate)
		if err != nil {
			return nil, err
		}
		if !captured {
			out = append(out, sym)
		}
	}
	return out, nil
}
