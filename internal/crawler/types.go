package crawler

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol identifies one instrument page to visit.
type Symbol struct {
	ID             string `json:"id"`
	ResolvedTarget string `json:"resolved_target,omitempty"`
}

// Snapshot is a point-in-time capture of one instrument page.
// Identity is (ID, DateTime).
type Snapshot struct {
	ID            string          `json:"id" validate:"required,max=32"`
	DateTime      time.Time       `json:"date_time" validate:"required"`
	Name          string          `json:"name,omitempty" validate:"max=256"`
	Price         decimal.Decimal `json:"price" validate:"gt=0"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume" validate:"gte=0"`
	SourceURL     string          `json:"source_url,omitempty" validate:"omitempty,url"`
	BlobURI       string          `json:"blob_uri,omitempty"`
}

// Page is the rendered document handed to an Extractor.
type Page struct {
	Symbol Symbol
	URL    string
	HTML   string
}

// RankedEntry is one row of an analysis result.
type RankedEntry struct {
	Rank          int             `json:"rank"`
	SymbolID      string          `json:"symbol_id"`
	Name          string          `json:"name,omitempty"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	CapturedAt    time.Time       `json:"captured_at"`
}

// RankedResult is produced by an AnalysisEngine run.
type RankedResult struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	TradingDate   string        `json:"trading_date"`
	SnapshotCount int           `json:"snapshot_count"`
	Entries       []RankedEntry `json:"entries"`
}

// NormalizeID canonicalizes an instrument identifier.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NormalizeSymbols trims, upper-cases, and de-duplicates ids, preserving the
// first occurrence order. Blank ids are dropped.
func NormalizeSymbols(ids []string) []Symbol {
	out := make([]Symbol, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := NormalizeID(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Symbol{ID: id})
	}
	return out
}

// SymbolIDs returns the ids of symbols in order.
func SymbolIDs(symbols []Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = s.ID
	}
	return out
}
