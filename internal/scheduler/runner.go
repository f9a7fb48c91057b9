// Package scheduler drives crawl cycles on a cron schedule and fires the
// end-of-day analysis when the deadline alarm comes due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/calendar"
	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/metrics"
	"github.com/JakeFAU/market-navigator/internal/orchestrator"
	"github.com/JakeFAU/market-navigator/internal/progress"
	"github.com/JakeFAU/market-navigator/internal/retry"
	"github.com/JakeFAU/market-navigator/internal/telemetry"
	"github.com/JakeFAU/market-navigator/internal/wake"
)

// Cycle triggers.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
	TriggerQueue  = "queue"
)

// DefaultDeadlineAlarm names the analysis-deadline wake alarm.
const DefaultDeadlineAlarm = "analysis-deadline"

var (
	// ErrCycleInFlight is returned when a cycle is already running.
	ErrCycleInFlight = errors.New("crawl cycle already running")
	// ErrOutsideWindow is returned when collection is not permitted now.
	ErrOutsideWindow = errors.New("outside collection window")
	// ErrInvalidSnapshot marks a visit whose snapshot failed validation.
	ErrInvalidSnapshot = errors.New("snapshot failed validation")
)

// Visitor performs one navigate-and-extract attempt.
type Visitor interface {
	Visit(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error)
}

// Recorder is the orchestrator surface the runner drives.
type Recorder interface {
	PlanSymbols(ids []string)
	RecordSnapshots(ctx context.Context, records []crawler.Snapshot, now time.Time) orchestrator.Result
	RunAnalysis(ctx context.Context, now time.Time, trigger string) *crawler.RankedResult
}

// Deduper filters symbols already captured for a trading date.
type Deduper interface {
	Missing(ctx context.Context, symbols []crawler.Symbol, tradingDate string) ([]crawler.Symbol, error)
}

// Retrier runs the bounded multi-pass visit loop.
type Retrier interface {
	Run(ctx context.Context, symbols []crawler.Symbol, visit retry.VisitFunc) (retry.Report, error)
}

// AlarmSource registers and dispatches wake alarms.
type AlarmSource interface {
	Register(ctx context.Context, name string, fireAt time.Time) error
	Handle(name string, fn wake.Handler)
}

// Config controls the runner.
type Config struct {
	// Cron is a standard five-field expression evaluated in the market timezone.
	Cron    string
	Symbols []string
	// DeadlineAlarm overrides DefaultDeadlineAlarm.
	DeadlineAlarm string
}

// Deps are the collaborators of a Runner. Alarms and Progress are optional.
type Deps struct {
	Oracle   *calendar.Oracle
	Visitor  Visitor
	Recorder Recorder
	Deduper  Deduper
	Retrier  Retrier
	Clock    crawler.Clock
	Alarms   AlarmSource
	Progress progress.Emitter
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	ID          uuid.UUID     `json:"id"`
	Trigger     string        `json:"trigger"`
	TradingDate string        `json:"trading_date"`
	Planned     []string      `json:"planned"`
	Accepted    []string      `json:"accepted"`
	Unresolved  []string      `json:"unresolved"`
	Remaining   []string      `json:"remaining,omitempty"`
	Aborted     bool          `json:"aborted"`
	Cause       string        `json:"cause,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Runner executes crawl cycles. RunCycle is single-flight.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	running atomic.Bool

	mu        sync.Mutex
	cron      *cron.Cron
	lastCycle uuid.UUID
}

// New validates deps and the cron expression.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Oracle == nil:
		return nil, errors.New("scheduler: oracle is required")
	case deps.Visitor == nil:
		return nil, errors.New("scheduler: visitor is required")
	case deps.Recorder == nil:
		return nil, errors.New("scheduler: recorder is required")
	case deps.Deduper == nil:
		return nil, errors.New("scheduler: deduper is required")
	case deps.Retrier == nil:
		return nil, errors.New("scheduler: retrier is required")
	case deps.Clock == nil:
		return nil, errors.New("scheduler: clock is required")
	}
	if cfg.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parse cycle cron %q: %w", cfg.Cron, err)
		}
	}
	if cfg.DeadlineAlarm == "" {
		cfg.DeadlineAlarm = DefaultDeadlineAlarm
	}
	if deps.Progress == nil {
		deps.Progress = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{deps: deps, cfg: cfg, logger: logger, tracer: telemetry.Tracer()}
	if deps.Alarms != nil {
		deps.Alarms.Handle(cfg.DeadlineAlarm, r.onDeadline)
	}
	return r, nil
}

// Start arms the deadline alarm and, when a cron expression is configured,
// schedules cycles until Stop. Cycles run under ctx.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.armDeadline(ctx, r.deps.Clock.Now()); err != nil {
		return err
	}
	if r.cfg.Cron == "" {
		return nil
	}
	c := cron.New(
		cron.WithLocation(r.deps.Oracle.Location()),
		cron.WithLogger(cronLogger{r.logger}),
	)
	if _, err := c.AddFunc(r.cfg.Cron, func() { r.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("register cycle cron: %w", err)
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	r.logger.Info("cycle scheduler started", zap.String("cron", r.cfg.Cron))
	return nil
}

// Stop halts the cron and waits for a running cycle to return or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Running reports whether a cycle is in flight.
func (r *Runner) Running() bool {
	return r.running.Load()
}

func (r *Runner) runScheduled(ctx context.Context) {
	report, err := r.RunCycle(ctx, TriggerCron)
	switch {
	case errors.Is(err, ErrCycleInFlight), errors.Is(err, ErrOutsideWindow):
		r.logger.Debug("scheduled cycle skipped", zap.Error(err))
	case err != nil:
		r.logger.Error("scheduled cycle failed", zap.Error(err))
	default:
		r.logger.Info("scheduled cycle finished",
			zap.String("cycle_id", report.ID.String()),
			zap.Int("accepted", len(report.Accepted)),
			zap.Int("unresolved", len(report.Unresolved)),
			zap.Bool("aborted", report.Aborted),
		)
	}
}

// RunCycle plans the symbols not yet captured today, drains them through the
// retry coordinator and records every snapshot with the orchestrator. An
// aborted cycle is reported, not returned as an error.
func (r *Runner) RunCycle(ctx context.Context, trigger string) (CycleReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return CycleReport{}, ErrCycleInFlight
	}
	defer r.running.Store(false)

	start := r.deps.Clock.Now()
	if !r.deps.Oracle.ShouldCollect(start) {
		return CycleReport{}, ErrOutsideWindow
	}

	report := CycleReport{
		ID:          uuid.New(),
		Trigger:     trigger,
		TradingDate: r.deps.Oracle.TradingDate(start),
	}
	r.mu.Lock()
	r.lastCycle = report.ID
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "scheduler.cycle", trace.WithAttributes(
		attribute.String("cycle.id", report.ID.String()),
		attribute.String("cycle.trigger", trigger),
		attribute.String("cycle.trading_date", report.TradingDate),
	))
	defer span.End()
	logger := r.logger.With(zap.String("cycle_id", report.ID.String()), zap.String("trading_date", report.TradingDate))

	symbols := crawler.NormalizeSymbols(r.cfg.Symbols)
	remaining, err := r.deps.Deduper.Missing(ctx, symbols, report.TradingDate)
	if err != nil {
		r.emit(progress.Event{CycleID: report.ID, TS: start, Stage: progress.StageCycleStart, Trigger: trigger, TradingDate: report.TradingDate})
		r.finish(&report, start, progress.StageCycleError, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "dedup failed")
		return report, fmt.Errorf("filter captured symbols: %w", err)
	}
	report.Planned = crawler.SymbolIDs(remaining)
	span.SetAttributes(attribute.Int("cycle.planned", len(report.Planned)))
	r.deps.Recorder.PlanSymbols(report.Planned)
	r.emit(progress.Event{
		CycleID:     report.ID,
		TS:          start,
		Stage:       progress.StageCycleStart,
		Trigger:     trigger,
		TradingDate: report.TradingDate,
		Planned:     len(report.Planned),
	})
	logger.Info("crawl cycle started",
		zap.String("trigger", trigger),
		zap.Int("configured", len(symbols)),
		zap.Int("planned", len(report.Planned)),
	)

	visit := func(ctx context.Context, sym crawler.Symbol) error {
		accepted, err := r.visitAndRecord(ctx, report.ID, sym)
		if accepted {
			report.Accepted = append(report.Accepted, sym.ID)
		}
		return err
	}
	runReport, err := r.deps.Retrier.Run(ctx, remaining, visit)
	report.Unresolved = runReport.Unresolved
	report.Remaining = runReport.Remaining
	if err != nil {
		report.Aborted = true
		report.Cause = err.Error()
		r.finish(&report, start, progress.StageCycleAborted, err.Error())
		span.SetAttributes(attribute.Bool("cycle.aborted", true))
		logger.Warn("crawl cycle aborted", zap.Int("remaining", len(report.Remaining)), zap.Error(err))
	} else {
		r.finish(&report, start, progress.StageCycleDone, "")
		logger.Info("crawl cycle finished",
			zap.Int("accepted", len(report.Accepted)),
			zap.Strings("unresolved", report.Unresolved),
			zap.Int("passes", runReport.Passes),
		)
	}

	// The cycle's own context may already be cancelled; the alarm must still be armed.
	if err := r.armDeadline(context.WithoutCancel(ctx), r.deps.Clock.Now()); err != nil {
		logger.Warn("arm deadline alarm failed", zap.Error(err))
	}
	return report, nil
}

// RecordVisit feeds an ad-hoc queue visit into the orchestrator. It matches
// queue.VisitHook.
func (r *Runner) RecordVisit(ctx context.Context, sym crawler.Symbol, snap crawler.Snapshot) error {
	r.mu.Lock()
	cycle := r.lastCycle
	r.mu.Unlock()
	if cycle == uuid.Nil {
		cycle = uuid.New()
	}
	_, err := r.record(ctx, cycle, sym, snap)
	return err
}

func (r *Runner) visitAndRecord(ctx context.Context, cycle uuid.UUID, sym crawler.Symbol) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "scheduler.visit", trace.WithAttributes(attribute.String("symbol", sym.ID)))
	defer span.End()

	snap, err := r.deps.Visitor.Visit(ctx, sym)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "visit failed")
		r.emitVisitFailed(cycle, sym, err)
		return false, err
	}
	accepted, err := r.record(ctx, cycle, sym, snap)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return accepted, err
}

func (r *Runner) record(ctx context.Context, cycle uuid.UUID, sym crawler.Symbol, snap crawler.Snapshot) (bool, error) {
	res := r.deps.Recorder.RecordSnapshots(ctx, []crawler.Snapshot{snap}, r.deps.Clock.Now())
	switch {
	case res.Rejected != orchestrator.RejectedNone:
		err := fmt.Errorf("snapshot rejected: %s", res.Rejected)
		r.emitVisitFailed(cycle, sym, err)
		return false, err
	case res.Invalid > 0:
		r.emitVisitFailed(cycle, sym, ErrInvalidSnapshot)
		return false, ErrInvalidSnapshot
	}
	accepted := len(res.Accepted) > 0
	r.emit(progress.Event{
		CycleID:  cycle,
		TS:       r.deps.Clock.Now(),
		Stage:    progress.StageVisitDone,
		Symbol:   sym.ID,
		Accepted: accepted,
	})
	if res.Analysis != nil {
		r.emitAnalysis(cycle, orchestrator.TriggerRecord, res.Analysis)
	}
	return accepted, nil
}

func (r *Runner) finish(report *CycleReport, start time.Time, stage progress.Stage, note string) {
	now := r.deps.Clock.Now()
	report.Duration = now.Sub(start)
	unresolved := len(report.Unresolved)
	if stage == progress.StageCycleAborted {
		unresolved = len(report.Remaining)
	}
	r.emit(progress.Event{
		CycleID:       report.ID,
		TS:            now,
		Stage:         stage,
		Trigger:       report.Trigger,
		TradingDate:   report.TradingDate,
		AcceptedCount: len(report.Accepted),
		Unresolved:    unresolved,
		Dur:           report.Duration,
		Note:          note,
	})
	metrics.ObserveCycle(cycleStatus(stage), unresolved)
}

// armDeadline registers the next analysis deadline on a trading day.
func (r *Runner) armDeadline(ctx context.Context, now time.Time) error {
	if r.deps.Alarms == nil {
		return nil
	}
	at := r.deps.Oracle.NextMarketTime(now, r.deps.Oracle.AnalysisDeadline(), true)
	if err := r.deps.Alarms.Register(ctx, r.cfg.DeadlineAlarm, at); err != nil {
		return fmt.Errorf("register deadline alarm: %w", err)
	}
	r.logger.Debug("deadline alarm armed", zap.Time("fire_at", at))
	return nil
}

func (r *Runner) onDeadline(ctx context.Context, alarm wake.Alarm) {
	now := r.deps.Clock.Now()
	r.logger.Info("analysis deadline reached", zap.Time("due_at", alarm.FireAt))
	result := r.deps.Recorder.RunAnalysis(ctx, now, orchestrator.TriggerDeadline)
	if result != nil {
		r.mu.Lock()
		cycle := r.lastCycle
		r.mu.Unlock()
		if cycle == uuid.Nil {
			cycle = uuid.New()
		}
		r.emitAnalysis(cycle, orchestrator.TriggerDeadline, result)
	}
	if err := r.armDeadline(ctx, now); err != nil {
		r.logger.Warn("re-arm deadline alarm failed", zap.Error(err))
	}
}

func (r *Runner) emitVisitFailed(cycle uuid.UUID, sym crawler.Symbol, err error) {
	r.emit(progress.Event{
		CycleID: cycle,
		TS:      r.deps.Clock.Now(),
		Stage:   progress.StageVisitFailed,
		Symbol:  sym.ID,
		Note:    err.Error(),
	})
}

func (r *Runner) emitAnalysis(cycle uuid.UUID, trigger string, result *crawler.RankedResult) {
	r.emit(progress.Event{
		CycleID:       cycle,
		TS:            r.deps.Clock.Now(),
		Stage:         progress.StageAnalysis,
		Trigger:       trigger,
		TradingDate:   result.TradingDate,
		AcceptedCount: len(result.Entries),
	})
}

func (r *Runner) emit(evt progress.Event) {
	r.deps.Progress.Emit(evt)
}

func cycleStatus(stage progress.Stage) string {
	switch stage {
	case progress.StageCycleDone:
		return "success"
	case progress.StageCycleAborted:
		return "aborted"
	default:
		return "error"
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
