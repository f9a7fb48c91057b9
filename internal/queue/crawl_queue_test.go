package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/wake"
)

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.WhenIdle():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not go idle")
	}
}

func TestQueueVisitsInOrderWithProgress(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	q := New(Config{}, rec.visit, WithProgressHook(rec.progress))
	q.EnqueueSymbols([]string{"a", "b", "c"})
	require.True(t, q.Start())
	waitIdle(t, q)

	require.Equal(t, []string{"A", "B", "C"}, rec.visitedIDs())
	got := rec.progressEvents()
	require.Equal(t, []Progress{
		{Symbol: "A", Completed: 1, Remaining: 2, Total: 3},
		{Symbol: "B", Completed: 2, Remaining: 1, Total: 3},
		{Symbol: "C", Completed: 3, Remaining: 0, Total: 3},
	}, got)
	require.Equal(t, StateIdle, q.Status().State)
}

func TestQueueStartNoops(t *testing.T) {
	t.Parallel()

	q := New(Config{}, (&recorder{}).visit)
	require.False(t, q.Start(), "empty queue")

	gate := make(chan struct{})
	blocking := New(Config{}, func(context.Context, crawler.Symbol) (crawler.Snapshot, error) {
		<-gate
		return crawler.Snapshot{}, nil
	})
	blocking.EnqueueSymbols([]string{"A"})
	require.True(t, blocking.Start())
	require.False(t, blocking.Start(), "already running")
	close(gate)
	waitIdle(t, blocking)
}

func TestQueueEnqueueMidRunGrowsTotal(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan string, 4)
	rec := &recorder{}
	q := New(Config{}, func(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
		started <- sym.ID
		if sym.ID == "A" {
			<-release
		}
		return rec.visit(ctx, sym)
	}, WithProgressHook(rec.progress))

	q.EnqueueSymbols([]string{"A", "B"})
	require.True(t, q.Start())
	require.Equal(t, "A", <-started)

	require.Equal(t, 1, q.EnqueueSymbols([]string{"C", "B"}))
	st := q.Status()
	require.Equal(t, "A", st.Active)
	require.Equal(t, 3, st.Total)

	close(release)
	waitIdle(t, q)

	require.Equal(t, []string{"A", "B", "C"}, rec.visitedIDs())
	for _, p := range rec.progressEvents() {
		require.Equal(t, 3, p.Total)
	}
}

func TestQueueAllowsRequeueOfActiveSymbol(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	rec := &recorder{}
	var once sync.Once
	q := New(Config{}, func(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
		once.Do(func() {
			started <- struct{}{}
			<-release
		})
		return rec.visit(ctx, sym)
	})
	q.EnqueueSymbols([]string{"A"})
	require.True(t, q.Start())
	<-started

	// The in-flight symbol is not pending, so it is accepted again; callers
	// that need exclusivity must check their own pending set.
	require.Equal(t, 1, q.EnqueueSymbols([]string{"A"}))
	require.Equal(t, 0, q.EnqueueSymbols([]string{"A"}))

	close(release)
	waitIdle(t, q)
	require.Equal(t, []string{"A", "A"}, rec.visitedIDs())
}

func TestQueueStopPreservesPending(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	rec := &recorder{}
	q := New(Config{}, func(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
		if sym.ID == "A" {
			started <- struct{}{}
			<-release
		}
		return rec.visit(ctx, sym)
	}, WithProgressHook(rec.progress))

	q.EnqueueSymbols([]string{"A", "B", "C"})
	require.True(t, q.Start())
	<-started
	q.Stop()

	st := q.Status()
	require.False(t, st.Running)
	require.Equal(t, StateStopped, st.State)
	require.Empty(t, st.Active)
	require.GreaterOrEqual(t, len(st.Pending), 1)

	close(release)
	require.Eventually(t, func() bool { return len(rec.progressEvents()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"A"}, rec.visitedIDs())
	require.Equal(t, []string{"B", "C"}, q.Status().Pending)

	require.True(t, q.Start())
	waitIdle(t, q)
	require.Equal(t, []string{"A", "B", "C"}, rec.visitedIDs())
}

func TestQueueRestartDuringVisitCountsIntoNewRun(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	rec := &recorder{}
	q := New(Config{}, func(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
		if sym.ID == "A" {
			started <- struct{}{}
			<-release
		}
		return rec.visit(ctx, sym)
	}, WithProgressHook(rec.progress))

	q.EnqueueSymbols([]string{"A", "B", "C"})
	require.True(t, q.Start())
	<-started
	q.Stop()
	require.True(t, q.Start())
	require.Equal(t, 3, q.Status().Total)

	close(release)
	require.Eventually(t, func() bool {
		st := q.Status()
		return st.State == StateIdle && st.Completed == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"A", "B", "C"}, rec.visitedIDs())
	require.Equal(t, []Progress{
		{Symbol: "A", Completed: 1, Remaining: 2, Total: 3},
		{Symbol: "B", Completed: 2, Remaining: 1, Total: 3},
		{Symbol: "C", Completed: 3, Remaining: 0, Total: 3},
	}, rec.progressEvents())
}

func TestQueueRoutesFailuresToErrorHook(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		failures []ErrorContext
	)
	q := New(Config{}, func(_ context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
		if sym.ID == "A" {
			return crawler.Snapshot{}, errors.New("not ready")
		}
		return crawler.Snapshot{ID: sym.ID}, nil
	},
		WithVisitHook(func(_ context.Context, sym crawler.Symbol, _ crawler.Snapshot) error {
			if sym.ID == "B" {
				return errors.New("rejected")
			}
			return nil
		}),
		WithErrorHook(func(_ error, ec ErrorContext) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, ec)
		}),
		WithSurfaceHandle(func() string { return "tab-1" }),
	)
	q.EnqueueSymbols([]string{"A", "B", "C"})
	require.True(t, q.Start())
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 2)
	require.Equal(t, "A", failures[0].Symbol.ID)
	require.Equal(t, "B", failures[1].Symbol.ID)
	require.Equal(t, "tab-1", failures[0].SurfaceHandle)
	require.Equal(t, 3, q.Status().Completed)
}

func TestQueueWhenIdleFansOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q := New(Config{}, func(context.Context, crawler.Symbol) (crawler.Snapshot, error) {
		<-release
		return crawler.Snapshot{}, nil
	})
	q.EnqueueSymbols([]string{"A"})
	require.True(t, q.Start())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch := q.WhenIdle()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch
		}()
	}
	close(release)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter was released")
	}
}

func TestQueueWakeAlarmDrivesScheduledTick(t *testing.T) {
	t.Parallel()

	store := wake.NewMemoryStore()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)}
	alarms := wake.NewAlarms(store, clk, time.Hour, nil)
	rec := &recorder{}
	q := New(Config{Delay: time.Hour}, rec.visit,
		WithClock(clk),
		WithWake(alarms),
		WithCheckpoints(store),
	)
	t.Cleanup(q.Stop)

	q.EnqueueSymbols([]string{"A", "B"})
	require.True(t, q.Start())
	require.Eventually(t, func() bool { return q.Status().State == StateScheduled }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"A"}, rec.visitedIDs())

	due, err := store.DueAlarms(context.Background(), clk.now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	// The process "slept" through the timer; the persisted alarm resumes it.
	clk.advance(time.Hour)
	require.Equal(t, 1, alarms.FireDue(context.Background()))
	waitIdle(t, q)
	require.Equal(t, []string{"A", "B"}, rec.visitedIDs())
}

func TestQueueTimerCancelsWakeAlarm(t *testing.T) {
	t.Parallel()

	store := wake.NewMemoryStore()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)}
	alarms := wake.NewAlarms(store, clk, time.Hour, nil)
	rec := &recorder{}
	q := New(Config{Delay: 5 * time.Millisecond}, rec.visit, WithClock(clk), WithWake(alarms))

	q.EnqueueSymbols([]string{"A", "B", "C"})
	require.True(t, q.Start())
	waitIdle(t, q)

	due, err := store.DueAlarms(context.Background(), clk.now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, due)
	require.Equal(t, []string{"A", "B", "C"}, rec.visitedIDs())
}

func TestQueueRestoreResumesRunningState(t *testing.T) {
	t.Parallel()

	store := wake.NewMemoryStore()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)}
	saved := CrawlState{
		Pending:   []crawler.Symbol{{ID: "B"}, {ID: "C"}},
		Active:    &crawler.Symbol{ID: "A"},
		Completed: 4,
		Total:     7,
		Running:   true,
		DueAt:     clk.now.Add(-time.Minute),
	}
	raw, err := json.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(context.Background(), "navigator", raw))

	rec := &recorder{}
	q := New(Config{Name: "navigator"}, rec.visit, WithClock(clk), WithCheckpoints(store), WithProgressHook(rec.progress))
	require.NoError(t, q.Restore(context.Background()))
	waitIdle(t, q)

	require.Equal(t, []string{"A", "B", "C"}, rec.visitedIDs())
	last := rec.progressEvents()[2]
	require.Equal(t, Progress{Symbol: "C", Completed: 7, Remaining: 0, Total: 7}, last)

	_, err = store.LoadCheckpoint(context.Background(), "navigator")
	require.ErrorIs(t, err, wake.ErrNotFound)
}

func TestQueueRestoreStoppedState(t *testing.T) {
	t.Parallel()

	store := wake.NewMemoryStore()
	raw, err := json.Marshal(CrawlState{Pending: []crawler.Symbol{{ID: "X"}}, Total: 1})
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(context.Background(), defaultName, raw))

	q := New(Config{}, (&recorder{}).visit, WithCheckpoints(store))
	require.NoError(t, q.Restore(context.Background()))
	st := q.Status()
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, []string{"X"}, st.Pending)
}

func TestQueueReplaceQueueResetsCompleted(t *testing.T) {
	t.Parallel()

	q := New(Config{}, (&recorder{}).visit)
	q.EnqueueSymbols([]string{"A"})
	require.True(t, q.Start())
	waitIdle(t, q)
	require.Equal(t, 1, q.Status().Completed)

	q.ReplaceQueue([]string{"x", "y", "x"})
	st := q.Status()
	require.Equal(t, 0, st.Completed)
	require.Equal(t, []string{"X", "Y"}, st.Pending)
	require.Equal(t, 2, st.Total)
}

// --- fakes ---

type recorder struct {
	mu       sync.Mutex
	visited []string
	events  []Progress
}

func (r *recorder) visit(_ context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visited = append(r.visited, sym.ID)
	return crawler.Snapshot{ID: sym.ID}, nil
}

func (r *recorder) progress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) visitedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.visited...)
}

func (r *recorder) progressEvents() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
