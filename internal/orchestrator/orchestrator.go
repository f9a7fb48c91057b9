// Package orchestrator owns one crawl cycle's bookkeeping: the snapshot
// accumulator, the set of symbols still expected, retention pruning on each
// trading-date transition, and the analysis trigger.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/calendar"
	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/dedup"
	"github.com/JakeFAU/market-navigator/internal/metrics"
)

// Rejection explains why a whole batch was refused.
type Rejection string

// Batch rejections.
const (
	RejectedNone         Rejection = ""
	RejectedBlackout     Rejection = "blackout"
	RejectedOutsideRange Rejection = "outside_collection_window"
)

// Analysis triggers.
const (
	TriggerRecord   = "record"
	TriggerDeadline = "deadline"
	TriggerManual   = "manual"
)

// Result is the outcome of RecordSnapshots.
type Result struct {
	Accepted   []string              `json:"accepted"`
	Invalid    int                   `json:"invalid"`
	Duplicates int                   `json:"duplicates"`
	Rejected   Rejection             `json:"rejected,omitempty"`
	Analysis   *crawler.RankedResult `json:"analysis,omitempty"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Expected       []string              `json:"expected"`
	CrawlComplete  bool                  `json:"crawl_complete"`
	Accumulated    int                   `json:"accumulated"`
	LastPrunedDate string                `json:"last_pruned_date,omitempty"`
	LastAnalysis   *crawler.RankedResult `json:"last_analysis,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	RetentionDays int
}

// Orchestrator is safe for concurrent use; RecordSnapshots calls are
// serialized internally.
type Orchestrator struct {
	oracle *calendar.Oracle
	engine crawler.AnalysisEngine
	store  crawler.SnapshotStore
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	accumulator    []crawler.Snapshot
	expected       map[string]struct{}
	crawlComplete  bool
	lastPrunedDate string
	lastAnalysis   *crawler.RankedResult
	dedup          *dedup.Deduper
}

// New builds an Orchestrator. store may be nil, in which case accepted
// snapshots live only in memory and pruning touches only the accumulator.
func New(
	oracle *calendar.Oracle,
	engine crawler.AnalysisEngine,
	store crawler.SnapshotStore,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		oracle:        oracle,
		engine:        engine,
		store:         store,
		cfg:           cfg,
		logger:        logger,
		expected:      make(map[string]struct{}),
		crawlComplete: true,
	}
	o.dedup = dedup.New(accumulatorView{o}, oracle)
	return o
}

// PlanSymbols seeds the expected set for a new cycle.
func (o *Orchestrator) PlanSymbols(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expected = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if norm := crawler.NormalizeID(id); norm != "" {
			o.expected[norm] = struct{}{}
		}
	}
	o.crawlComplete = len(o.expected) == 0
	o.logger.Info("symbols planned", zap.Int("expected", len(o.expected)))
}

// RecordSnapshots accepts candidate snapshots captured at now. It never
// fails: refused batches and skipped records are reported in Result.
func (o *Orchestrator) RecordSnapshots(ctx context.Context, records []crawler.Snapshot, now time.Time) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := Result{Accepted: []string{}}
	if o.oracle.ShouldPause(now) {
		res.Rejected = RejectedBlackout
		metrics.ObserveSnapshots("rejected", len(records))
		return res
	}
	if !o.oracle.ShouldCollect(now) {
		res.Rejected = RejectedOutsideRange
		metrics.ObserveSnapshots("rejected", len(records))
		return res
	}

	if date := o.oracle.TradingDate(now); date != o.lastPrunedDate {
		o.pruneLocked(ctx, now)
		o.lastPrunedDate = date
	}

	for _, rec := range records {
		rec.ID = crawler.NormalizeID(rec.ID)
		if err := crawler.ValidateSnapshot(rec); err != nil {
			res.Invalid++
			o.logger.Debug("snapshot skipped", zap.String("symbol", rec.ID), zap.Error(err))
			continue
		}
		captured, err := o.dedup.AlreadyCaptured(ctx, rec.ID, o.oracle.TradingDate(rec.DateTime))
		if err != nil || captured {
			res.Duplicates++
			continue
		}
		o.accumulator = append(o.accumulator, rec)
		res.Accepted = append(res.Accepted, rec.ID)
		delete(o.expected, rec.ID)
		o.persist(ctx, rec)
	}
	metrics.ObserveSnapshots("accepted", len(res.Accepted))
	metrics.ObserveSnapshots("invalid", res.Invalid)
	metrics.ObserveSnapshots("duplicate", res.Duplicates)

	if len(o.expected) == 0 {
		o.crawlComplete = true
	}
	if o.oracle.ShouldRunAnalysis(now, o.crawlComplete) {
		res.Analysis = o.runAnalysisLocked(ctx, now, TriggerRecord)
	}
	return res
}

// RunAnalysis invokes the engine over the accumulator regardless of gating.
// The deadline alarm and manual triggers use it.
func (o *Orchestrator) RunAnalysis(ctx context.Context, now time.Time, trigger string) *crawler.RankedResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runAnalysisLocked(ctx, now, trigger)
}

// CrawlComplete reports whether every expected symbol has been accepted.
func (o *Orchestrator) CrawlComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.crawlComplete
}

// Status snapshots the orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	expected := make([]string, 0, len(o.expected))
	for id := range o.expected {
		expected = append(expected, id)
	}
	sort.Strings(expected)
	return Status{
		Expected:       expected,
		CrawlComplete:  o.crawlComplete,
		Accumulated:    len(o.accumulator),
		LastPrunedDate: o.lastPrunedDate,
		LastAnalysis:   o.lastAnalysis,
	}
}

// Snapshots returns a copy of the accumulator.
func (o *Orchestrator) Snapshots() []crawler.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]crawler.Snapshot(nil), o.accumulator...)
}

func (o *Orchestrator) runAnalysisLocked(ctx context.Context, now time.Time, trigger string) *crawler.RankedResult {
	if o.engine == nil {
		return nil
	}
	snapshots := append([]crawler.Snapshot(nil), o.accumulator...)
	result, err := o.engine.Run(ctx, snapshots, now)
	if err != nil {
		metrics.ObserveAnalysis(trigger, "error")
		o.logger.Error("analysis failed", zap.String("trigger", trigger), zap.Error(err))
		return nil
	}
	metrics.ObserveAnalysis(trigger, "ok")
	o.lastAnalysis = &result
	o.logger.Info("analysis complete",
		zap.String("trigger", trigger),
		zap.String("trading_date", result.TradingDate),
		zap.Int("entries", len(result.Entries)),
	)
	return &result
}

func (o *Orchestrator) pruneLocked(ctx context.Context, now time.Time) {
	if o.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := o.oracle.RetentionCutoff(now, o.cfg.RetentionDays)
	kept := o.accumulator[:0]
	for _, s := range o.accumulator {
		if o.oracle.TradingDate(s.DateTime) >= cutoff {
			kept = append(kept, s)
		}
	}
	dropped := int64(len(o.accumulator) - len(kept))
	o.accumulator = kept

	if o.store != nil {
		n, err := o.store.Prune(ctx, now, o.cfg.RetentionDays)
		if err != nil {
			o.logger.Warn("prune snapshot store failed", zap.Error(err))
		}
		dropped += n
	}
	metrics.ObservePruned(dropped)
	o.logger.Info("retention pruned", zap.String("cutoff", cutoff), zap.Int64("removed", dropped))
}

func (o *Orchestrator) persist(ctx context.Context, rec crawler.Snapshot) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, rec); err != nil {
		o.logger.Warn("persist snapshot failed", zap.String("symbol", rec.ID), zap.Error(err))
	}
}

// accumulatorView lets the deduper query the in-memory accumulator. Callers
// hold o.mu.
type accumulatorView struct {
	o *Orchestrator
}

func (v accumulatorView) Query(_ context.Context, id string, from, to time.Time) ([]crawler.Snapshot, error) {
	var out []crawler.Snapshot
	for _, s := range v.o.accumulator {
		if s.ID == id && !s.DateTime.Before(from) && s.DateTime.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}
