// Package queue implements the crawl queue: a single-flight FIFO state
// machine that drives one execution surface through a list of symbols, one
// visit per tick, and survives process suspension by arming both an
// in-process timer and a persisted wake alarm for every scheduled tick.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/clock/system"
	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/wake"
)

// State is the queue lifecycle state.
type State string

// Queue states.
const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateScheduled  State = "scheduled"
	StateStopped    State = "stopped"
)

const defaultName = "crawl-queue"

// VisitFunc navigates to and extracts one symbol.
type VisitFunc func(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error)

// VisitHook receives every successful visit.
type VisitHook func(ctx context.Context, sym crawler.Symbol, snap crawler.Snapshot) error

// ErrorContext describes where a failure happened.
type ErrorContext struct {
	Symbol        crawler.Symbol
	SurfaceHandle string
}

// ErrorHook receives visit and hook failures. It never halts the queue.
type ErrorHook func(err error, ec ErrorContext)

// Progress is emitted after every tick.
type Progress struct {
	Symbol    string `json:"symbol"`
	Completed int    `json:"completed"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
}

// ProgressHook receives progress in tick order.
type ProgressHook func(Progress)

// WakeSource is the host-level wake primitive.
type WakeSource interface {
	Register(ctx context.Context, name string, fireAt time.Time) error
	Cancel(ctx context.Context, name string) (bool, error)
	Handle(name string, fn wake.Handler)
}

// Checkpointer persists CrawlState between process lifetimes.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, key string, data []byte) error
	LoadCheckpoint(ctx context.Context, key string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, key string) error
}

// CrawlState is the persisted form of the queue.
type CrawlState struct {
	Pending       []crawler.Symbol `json:"pending"`
	Active        *crawler.Symbol  `json:"active,omitempty"`
	SurfaceHandle string           `json:"surface_handle,omitempty"`
	Completed     int              `json:"completed"`
	Total         int              `json:"total"`
	Running       bool             `json:"running"`
	DueAt         time.Time        `json:"due_at,omitempty"`
}

// Status is a point-in-time view of the queue.
type Status struct {
	State         State      `json:"state"`
	Running       bool       `json:"running"`
	Active        string     `json:"active,omitempty"`
	SurfaceHandle string     `json:"surface_handle,omitempty"`
	Pending       []string   `json:"pending"`
	Completed     int        `json:"completed"`
	Total         int        `json:"total"`
	DueAt         *time.Time `json:"due_at,omitempty"`
}

// Config tunes the queue.
type Config struct {
	// Name keys the wake alarm and the checkpoint.
	Name  string
	Delay time.Duration
}

// Option customizes a Queue.
type Option func(*Queue)

// WithVisitHook sets the onVisit callback.
func WithVisitHook(fn VisitHook) Option { return func(q *Queue) { q.onVisit = fn } }

// WithErrorHook sets the onError callback.
func WithErrorHook(fn ErrorHook) Option { return func(q *Queue) { q.onError = fn } }

// WithProgressHook sets the progress callback.
func WithProgressHook(fn ProgressHook) Option { return func(q *Queue) { q.onProgress = fn } }

// WithSurfaceHandle reports the current surface handle for error contexts.
func WithSurfaceHandle(fn func() string) Option { return func(q *Queue) { q.surfaceHandle = fn } }

// WithClock overrides the clock used to compute due times.
func WithClock(clock crawler.Clock) Option { return func(q *Queue) { q.clock = clock } }

// WithWake arms a persisted wake alarm alongside every in-process timer.
func WithWake(w WakeSource) Option { return func(q *Queue) { q.wake = w } }

// WithCheckpoints persists CrawlState after every mutation.
func WithCheckpoints(c Checkpointer) Option { return func(q *Queue) { q.checkpoints = c } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(q *Queue) { q.logger = logger } }

// WithBaseContext sets the context visits and persistence run under.
func WithBaseContext(ctx context.Context) Option { return func(q *Queue) { q.ctx = ctx } }

// Queue is the crawl queue. All exported methods are safe for concurrent use;
// at most one visit is in flight at any time.
type Queue struct {
	cfg           Config
	visit         VisitFunc
	onVisit       VisitHook
	onError       ErrorHook
	onProgress    ProgressHook
	surfaceHandle func() string
	clock         crawler.Clock
	wake          WakeSource
	checkpoints   Checkpointer
	logger        *zap.Logger
	ctx           context.Context

	mu        sync.Mutex
	pending   []crawler.Symbol
	active    *crawler.Symbol
	inFlight  bool
	completed int
	total     int
	running   bool
	state     State
	runSeq    uint64
	armSeq    uint64
	dueAt     time.Time
	timer     *time.Timer
	idle      chan struct{}
}

// New constructs an idle Queue.
func New(cfg Config, visit VisitFunc, opts ...Option) *Queue {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	q := &Queue{
		cfg:   cfg,
		visit: visit,
		state: StateIdle,
		idle:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.clock == nil {
		q.clock = system.New()
	}
	if q.ctx == nil {
		q.ctx = context.Background()
	}
	if q.wake != nil {
		q.wake.Handle(cfg.Name, q.onWake)
	}
	return q
}

// EnqueueSymbols appends ids not already pending. While running, the total
// grows by the number added; otherwise it resets to the queue length. The
// symbol currently in flight is not considered pending and may be re-queued.
func (q *Queue) EnqueueSymbols(ids []string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]struct{}, len(q.pending))
	for _, sym := range q.pending {
		seen[sym.ID] = struct{}{}
	}
	added := 0
	for _, sym := range crawler.NormalizeSymbols(ids) {
		if _, ok := seen[sym.ID]; ok {
			continue
		}
		seen[sym.ID] = struct{}{}
		q.pending = append(q.pending, sym)
		added++
	}
	if q.running {
		q.total += added
	} else {
		q.total = len(q.pending)
	}
	q.checkpointLocked()
	return added
}

// ReplaceQueue swaps the pending contents and resets the completed count.
func (q *Queue) ReplaceQueue(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = crawler.NormalizeSymbols(ids)
	q.completed = 0
	q.total = len(q.pending)
	q.checkpointLocked()
}

// Start begins processing. It is a no-op returning false when already
// running or when nothing is pending.
func (q *Queue) Start() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || len(q.pending) == 0 {
		return false
	}
	q.running = true
	q.completed = 0
	q.total = len(q.pending)
	if q.inFlight {
		q.total++
	}
	q.runSeq++
	q.state = StateProcessing
	q.checkpointLocked()
	if !q.inFlight {
		go q.tick(q.runSeq)
	}
	q.logger.Info("crawl queue started", zap.Int("total", q.total))
	return true
}

// Stop halts scheduling. The in-flight visit, if any, is allowed to finish;
// pending symbols are kept for a later Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.disarmLocked()
	q.running = false
	q.active = nil
	q.state = StateStopped
	q.releaseWaitersLocked()
	q.checkpointLocked()
	q.logger.Info("crawl queue stopped", zap.Int("pending", len(q.pending)))
}

// WhenIdle returns a channel closed at the next Idle transition (or Stop).
// Every caller waiting on the same transition observes the same close.
func (q *Queue) WhenIdle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running && !q.inFlight {
		done := make(chan struct{})
		close(done)
		return done
	}
	return q.idle
}

// Status snapshots the queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		State:     q.state,
		Running:   q.running,
		Pending:   crawler.SymbolIDs(q.pending),
		Completed: q.completed,
		Total:     q.displayTotalLocked(),
	}
	if q.active != nil {
		st.Active = q.active.ID
		st.SurfaceHandle = q.handle()
	}
	if q.state == StateScheduled {
		due := q.dueAt
		st.DueAt = &due
	}
	return st
}

// Restore reloads a persisted CrawlState. A running state is resumed: its
// tick is re-armed for the remaining delay, or immediately when overdue. A
// symbol that was in flight when the state was saved is visited again.
func (q *Queue) Restore(ctx context.Context) error {
	if q.checkpoints == nil {
		return nil
	}
	raw, err := q.checkpoints.LoadCheckpoint(ctx, q.cfg.Name)
	if errors.Is(err, wake.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load crawl state: %w", err)
	}
	var saved CrawlState
	if err := json.Unmarshal(raw, &saved); err != nil {
		return fmt.Errorf("decode crawl state: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.inFlight {
		return errors.New("restore crawl state: queue already running")
	}
	q.pending = saved.Pending
	if saved.Active != nil {
		q.pending = append([]crawler.Symbol{*saved.Active}, q.pending...)
	}
	q.completed = saved.Completed
	q.total = saved.Total
	if !saved.Running || len(q.pending) == 0 {
		q.state = StateIdle
		if len(q.pending) > 0 {
			q.state = StateStopped
		}
		return nil
	}
	q.running = true
	q.runSeq++
	delay := saved.DueAt.Sub(q.clock.Now())
	if delay < 0 {
		delay = 0
	}
	q.armLocked(delay)
	q.logger.Info("crawl queue resumed",
		zap.Int("pending", len(q.pending)),
		zap.Int("completed", q.completed),
		zap.Duration("delay", delay),
	)
	return nil
}

func (q *Queue) tick(seq uint64) {
	q.mu.Lock()
	if !q.running || seq != q.runSeq || q.inFlight {
		q.mu.Unlock()
		return
	}
	if len(q.pending) == 0 {
		q.toIdleLocked()
		q.mu.Unlock()
		return
	}
	sym := q.pending[0]
	q.pending = q.pending[1:]
	q.active = &sym
	q.inFlight = true
	q.state = StateProcessing
	q.checkpointLocked()
	q.mu.Unlock()

	q.logger.Debug("visiting symbol", zap.String("symbol", sym.ID))
	snap, err := q.visit(q.ctx, sym)
	if err == nil && q.onVisit != nil {
		err = q.onVisit(q.ctx, sym, snap)
	}
	if err != nil {
		q.reportError(err, sym)
	}

	// A visit that straddles Stop and Start counts toward the newer run.
	q.mu.Lock()
	q.completed++
	progress := Progress{
		Symbol:    sym.ID,
		Completed: q.completed,
		Remaining: len(q.pending),
		Total:     q.displayTotalLocked(),
	}
	q.mu.Unlock()

	// inFlight stays set until the next tick is armed, so no other tick can
	// start and progress leaves in tick order.
	if q.onProgress != nil {
		q.onProgress(progress)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = false
	q.active = nil
	switch {
	case q.running && len(q.pending) > 0:
		q.armLocked(q.cfg.Delay)
	case q.running:
		q.toIdleLocked()
	default:
		q.releaseWaitersLocked()
	}
	q.checkpointLocked()
}

func (q *Queue) reportError(err error, sym crawler.Symbol) {
	ec := ErrorContext{Symbol: sym, SurfaceHandle: q.handle()}
	if q.onError != nil {
		q.onError(err, ec)
		return
	}
	q.logger.Warn("crawl queue visit failed",
		zap.String("symbol", sym.ID),
		zap.String("surface", ec.SurfaceHandle),
		zap.Error(err),
	)
}

func (q *Queue) handle() string {
	if q.surfaceHandle == nil {
		return ""
	}
	return q.surfaceHandle()
}

func (q *Queue) displayTotalLocked() int {
	return max(q.total, q.completed+len(q.pending))
}

// armLocked races an in-process timer against the persisted wake alarm for
// the same due time.
func (q *Queue) armLocked(delay time.Duration) {
	q.state = StateScheduled
	q.armSeq++
	seq := q.armSeq
	q.dueAt = q.clock.Now().Add(delay)
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(delay, func() { q.fire(seq, true) })
	if q.wake != nil {
		if err := q.wake.Register(q.ctx, q.cfg.Name, q.dueAt); err != nil {
			q.logger.Warn("register wake alarm failed", zap.Error(err))
		}
	}
}

func (q *Queue) disarmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if q.wake != nil && q.state == StateScheduled {
		if _, err := q.wake.Cancel(q.ctx, q.cfg.Name); err != nil {
			q.logger.Warn("cancel wake alarm failed", zap.Error(err))
		}
	}
	q.dueAt = time.Time{}
}

func (q *Queue) onWake(_ context.Context, alarm wake.Alarm) {
	q.mu.Lock()
	seq := q.armSeq
	matches := q.state == StateScheduled && alarm.FireAt.UnixMilli() == q.dueAt.UnixMilli()
	q.mu.Unlock()
	if matches {
		go q.fire(seq, false)
	}
}

// fire runs the armed tick once; the losing trigger is canceled.
func (q *Queue) fire(seq uint64, fromTimer bool) {
	q.mu.Lock()
	if !q.running || q.state != StateScheduled || seq != q.armSeq {
		q.mu.Unlock()
		return
	}
	q.state = StateProcessing
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	run := q.runSeq
	q.mu.Unlock()

	if fromTimer && q.wake != nil {
		if _, err := q.wake.Cancel(q.ctx, q.cfg.Name); err != nil {
			q.logger.Warn("cancel wake alarm failed", zap.Error(err))
		}
	}
	q.tick(run)
}

func (q *Queue) toIdleLocked() {
	q.running = false
	q.state = StateIdle
	q.dueAt = time.Time{}
	q.releaseWaitersLocked()
	q.logger.Info("crawl queue idle", zap.Int("completed", q.completed))
}

func (q *Queue) releaseWaitersLocked() {
	close(q.idle)
	q.idle = make(chan struct{})
}

func (q *Queue) checkpointLocked() {
	if q.checkpoints == nil {
		return
	}
	if q.state == StateIdle && len(q.pending) == 0 && !q.inFlight {
		if err := q.checkpoints.DeleteCheckpoint(q.ctx, q.cfg.Name); err != nil {
			q.logger.Warn("clear crawl state failed", zap.Error(err))
		}
		return
	}
	state := CrawlState{
		Pending:   append([]crawler.Symbol(nil), q.pending...),
		Completed: q.completed,
		Total:     q.total,
		Running:   q.running,
		DueAt:     q.dueAt,
	}
	if q.active != nil {
		active := *q.active
		state.Active = &active
		state.SurfaceHandle = q.handle()
	}
	raw, err := json.Marshal(state)
	if err != nil {
		q.logger.Warn("encode crawl state failed", zap.Error(err))
		return
	}
	if err := q.checkpoints.SaveCheckpoint(q.ctx, q.cfg.Name, raw); err != nil {
		q.logger.Warn("save crawl state failed", zap.Error(err))
	}
}
