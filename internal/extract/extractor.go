// Package extract pulls quote fields out of rendered instrument pages with
// CSS selectors.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// Selectors maps snapshot fields to CSS selectors. A selector may end in
// "@attr" to read an attribute instead of the element text.
type Selectors struct {
	Name          string
	Price         string
	Change        string
	ChangePercent string
	Volume        string
}

// SelectorExtractor implements crawler.Extractor.
type SelectorExtractor struct {
	sel Selectors
}

// New builds a SelectorExtractor. The price selector is mandatory.
func New(sel Selectors) (*SelectorExtractor, error) {
	if strings.TrimSpace(sel.Price) == "" {
		return nil, fmt.Errorf("extract.price selector is required")
	}
	return &SelectorExtractor{sel: sel}, nil
}

// Extract returns nil when the price is missing or unparsable. The
// snapshot's DateTime is left for the caller to stamp.
func (e *SelectorExtractor) Extract(_ context.Context, page crawler.Page) (*crawler.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	price, ok := parseDecimal(lookup(doc, e.sel.Price))
	if !ok {
		return nil, nil
	}
	snap := &crawler.Snapshot{
		ID:        page.Symbol.ID,
		Name:      lookup(doc, e.sel.Name),
		Price:     price,
		SourceURL: page.URL,
	}
	if v, ok := parseDecimal(lookup(doc, e.sel.Change)); ok {
		snap.Change = v
	}
	if v, ok := parseDecimal(lookup(doc, e.sel.ChangePercent)); ok {
		snap.ChangePercent = v
	}
	if v, ok := parseDecimal(lookup(doc, e.sel.Volume)); ok {
		snap.Volume = v.Round(0).IntPart()
	}
	return snap, nil
}

func lookup(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	query, attr, hasAttr := strings.Cut(selector, "@")
	node := doc.Find(strings.TrimSpace(query)).First()
	if node.Length() == 0 {
		return ""
	}
	if hasAttr {
		v, _ := node.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(node.Text())
}

var multipliers = map[byte]decimal.Decimal{
	'K': decimal.NewFromInt(1_000),
	'M': decimal.NewFromInt(1_000_000),
	'B': decimal.NewFromInt(1_000_000_000),
	'T': decimal.NewFromInt(1_000_000_000_000),
}

// parseDecimal reads display numbers such as "1,234.50", "+0.56%",
// "(1.20)", "−3.1" or "12.5M".
func parseDecimal(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, "\u2212", "-")
	s = strings.NewReplacer(",", "", "%", "", "$", "", " ", "", "\u00a0", "").Replace(s)
	s = strings.TrimPrefix(s, "+")

	mult := decimal.NewFromInt(1)
	if n := len(s); n > 0 {
		if m, ok := multipliers[strings.ToUpper(s[n-1:])[0]]; ok {
			mult = m
			s = s[:n-1]
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	d = d.Mul(mult)
	if negative {
		d = d.Neg()
	}
	return d, true
}
