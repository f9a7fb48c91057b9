// Package analysis holds the baseline ranking engine and a decorator that
// publishes each result.
package analysis

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// TradingDater maps a timestamp to its trading date.
type TradingDater interface {
	TradingDate(now time.Time) string
}

// Ranker orders the latest snapshot of every symbol by change percent.
type Ranker struct {
	dates TradingDater
	topN  int
}

// NewRanker builds a Ranker. topN <= 0 keeps every symbol.
func NewRanker(dates TradingDater, topN int) *Ranker {
	return &Ranker{dates: dates, topN: topN}
}

// Run implements crawler.AnalysisEngine.
func (r *Ranker) Run(ctx context.Context, snapshots []crawler.Snapshot, now time.Time) (crawler.RankedResult, error) {
	if err := ctx.Err(); err != nil {
		return crawler.RankedResult{}, err
	}
	latest := make(map[string]crawler.Snapshot, len(snapshots))
	for _, s := range snapshots {
		if cur, ok := latest[s.ID]; !ok || s.DateTime.After(cur.DateTime) {
			latest[s.ID] = s
		}
	}

	entries := make([]crawler.RankedEntry, 0, len(latest))
	for _, s := range latest {
		entries = append(entries, crawler.RankedEntry{
			SymbolID:      s.ID,
			Name:          s.Name,
			Price:         s.Price,
			ChangePercent: s.ChangePercent,
			CapturedAt:    s.DateTime,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].ChangePercent.Cmp(entries[j].ChangePercent); c != 0 {
			return c > 0
		}
		return entries[i].SymbolID < entries[j].SymbolID
	})
	if r.topN > 0 && len(entries) > r.topN {
		entries = entries[:r.topN]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return crawler.RankedResult{
		GeneratedAt:   now,
		TradingDate:   r.dates.TradingDate(now),
		SnapshotCount: len(snapshots),
		Entries:       entries,
	}, nil
}
