// Package retry drives a sequential visit pass over a symbol list followed by
// a bounded number of retry passes over the failures, gated on the market
// calendar before every dequeue.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// ErrAborted is returned when the collection window closes mid-run.
var ErrAborted = errors.New("crawl aborted: collection window closed")

// VisitFunc performs one attempt for a symbol. Any error counts as a failure.
type VisitFunc func(ctx context.Context, sym crawler.Symbol) error

// Gate reports whether collection is currently permitted.
type Gate interface {
	ShouldCollect(now time.Time) bool
}

// Config bounds the retry passes.
type Config struct {
	Limit int
	Delay time.Duration
}

// Report summarizes one Run.
type Report struct {
	Succeeded  []string
	Unresolved []string
	// Remaining lists symbols left unvisited or unresolved when the run aborted.
	Remaining []string
	Attempts  map[string]int
	Passes    int
	Aborted   bool
}

// Coordinator runs visit passes. A Coordinator may be reused but Run is not
// safe for concurrent use.
type Coordinator struct {
	gate   Gate
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSleep overrides the delay primitive used between retry attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New constructs a Coordinator.
func New(gate Gate, clock crawler.Clock, cfg Config, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	c := &Coordinator{
		gate:   gate,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run visits every symbol once, then retries failures up to Config.Limit more
// passes. Unresolved symbols are reported, not returned as an error. The only
// errors are ErrAborted and context cancellation.
func (c *Coordinator) Run(ctx context.Context, symbols []crawler.Symbol, visit VisitFunc) (Report, error) {
	report := Report{Attempts: make(map[string]int, len(symbols))}
	failures, err := c.pass(ctx, 0, symbols, visit, &report)
	if err != nil {
		return report, err
	}
	for pass := 1; pass <= c.cfg.Limit && len(failures) > 0; pass++ {
		failures, err = c.pass(ctx, pass, failures, visit, &report)
		if err != nil {
			return report, err
		}
	}
	report.Unresolved = crawler.SymbolIDs(failures)
	if len(failures) > 0 {
		c.logger.Warn("symbols unresolved after retries",
			zap.Strings("symbols", report.Unresolved),
			zap.Int("retry_limit", c.cfg.Limit),
		)
	}
	return report, nil
}

func (c *Coordinator) pass(
	ctx context.Context,
	pass int,
	items []crawler.Symbol,
	visit VisitFunc,
	report *Report,
) ([]crawler.Symbol, error) {
	report.Passes = pass + 1
	var failed []crawler.Symbol
	for i, sym := range items {
		if pass > 0 {
			if err := c.sleep(ctx, c.cfg.Delay); err != nil {
				return nil, c.abort(report, failed, items[i:], err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, c.abort(report, failed, items[i:], err)
		}
		if !c.gate.ShouldCollect(c.clock.Now()) {
			return nil, c.abort(report, failed, items[i:], ErrAborted)
		}
		report.Attempts[sym.ID]++
		if err := visit(ctx, sym); err != nil {
			c.logger.Debug("visit failed",
				zap.String("symbol", sym.ID),
				zap.Int("pass", pass),
				zap.Int("attempt", report.Attempts[sym.ID]),
				zap.Error(err),
			)
			failed = append(failed, sym)
			continue
		}
		report.Succeeded = append(report.Succeeded, sym.ID)
	}
	return failed, nil
}

func (c *Coordinator) abort(report *Report, failed, rest []crawler.Symbol, cause error) error {
	report.Aborted = true
	report.Remaining = append(crawler.SymbolIDs(failed), crawler.SymbolIDs(rest)...)
	c.logger.Info("crawl aborted",
		zap.Int("remaining", len(report.Remaining)),
		zap.Error(cause),
	)
	return cause
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
