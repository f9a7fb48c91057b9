package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-navigator/internal/calendar"
	"github.com/JakeFAU/market-navigator/internal/crawler"
)

func TestRecordSnapshotsRejectsDuringBlackout(t *testing.T) {
	t.Parallel()

	o, engine, store := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL"})

	res := o.RecordSnapshots(context.Background(), []crawler.Snapshot{snap("AAPL", at(2, 10, 0))}, at(2, 10, 0))
	require.Empty(t, res.Accepted)
	require.Equal(t, RejectedBlackout, res.Rejected)
	require.Zero(t, o.Status().Accumulated)
	require.Empty(t, store.saved)
	require.Zero(t, store.pruneCalls)
	require.Zero(t, engine.callCount())
}

func TestRecordSnapshotsRejectsOutsideWindow(t *testing.T) {
	t.Parallel()

	o, _, _ := newOrchestrator(t)
	res := o.RecordSnapshots(context.Background(), []crawler.Snapshot{snap("AAPL", at(2, 21, 0))}, at(2, 21, 0))
	require.Empty(t, res.Accepted)
	require.Equal(t, RejectedOutsideRange, res.Rejected)
}

func TestRecordSnapshotsAcceptsOnePerTradingDate(t *testing.T) {
	t.Parallel()

	o, _, store := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL", "MSFT"})
	ctx := context.Background()

	first := o.RecordSnapshots(ctx, []crawler.Snapshot{snap("AAPL", at(2, 14, 0))}, at(2, 14, 0))
	second := o.RecordSnapshots(ctx, []crawler.Snapshot{snap("aapl", at(2, 15, 30))}, at(2, 15, 30))

	require.Equal(t, []string{"AAPL"}, first.Accepted)
	require.Empty(t, second.Accepted)
	require.Equal(t, 1, second.Duplicates)
	require.Len(t, store.saved, 1)
	require.Equal(t, []string{"MSFT"}, o.Status().Expected)
}

func TestRecordSnapshotsDedupsWithinBatch(t *testing.T) {
	t.Parallel()

	o, _, _ := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL", "MSFT"})
	res := o.RecordSnapshots(context.Background(), []crawler.Snapshot{
		snap("AAPL", at(2, 14, 0)),
		snap("AAPL", at(2, 14, 5)),
	}, at(2, 14, 5))
	require.Equal(t, []string{"AAPL"}, res.Accepted)
	require.Equal(t, 1, res.Duplicates)
}

func TestRecordSnapshotsSkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	o, _, _ := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL"})
	bad := snap("AAPL", at(2, 14, 0))
	bad.Price = decimal.Zero
	noTime := snap("MSFT", time.Time{})

	res := o.RecordSnapshots(context.Background(), []crawler.Snapshot{bad, noTime}, at(2, 14, 0))
	require.Empty(t, res.Accepted)
	require.Equal(t, 2, res.Invalid)
	require.False(t, o.CrawlComplete())
}

func TestRecordSnapshotsRunsAnalysisWhenComplete(t *testing.T) {
	t.Parallel()

	o, engine, _ := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL", "MSFT"})
	ctx := context.Background()

	res := o.RecordSnapshots(ctx, []crawler.Snapshot{snap("AAPL", at(2, 14, 0))}, at(2, 14, 0))
	require.Nil(t, res.Analysis)
	require.Zero(t, engine.callCount())
	require.False(t, o.CrawlComplete())

	res = o.RecordSnapshots(ctx, []crawler.Snapshot{snap("MSFT", at(2, 14, 1))}, at(2, 14, 1))
	require.NotNil(t, res.Analysis)
	require.True(t, o.CrawlComplete())
	require.Equal(t, 1, engine.callCount())
	require.Len(t, engine.lastInput(), 2)
	require.Equal(t, res.Analysis, o.Status().LastAnalysis)
}

func TestPlanSymbolsEmptyIsComplete(t *testing.T) {
	t.Parallel()

	o, engine, _ := newOrchestrator(t)
	o.PlanSymbols(nil)
	require.True(t, o.CrawlComplete())

	res := o.RecordSnapshots(context.Background(), nil, at(2, 14, 0))
	require.NotNil(t, res.Analysis)
	require.Equal(t, 1, engine.callCount())
}

func TestCrawlCompleteStaysTrueWithinCycle(t *testing.T) {
	t.Parallel()

	o, _, _ := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL"})
	o.RecordSnapshots(context.Background(), []crawler.Snapshot{snap("AAPL", at(2, 14, 0))}, at(2, 14, 0))
	require.True(t, o.CrawlComplete())

	o.RecordSnapshots(context.Background(), []crawler.Snapshot{snap("TSLA", at(2, 14, 2))}, at(2, 14, 2))
	require.True(t, o.CrawlComplete())
}

func TestAnalysisFailureIsLogged(t *testing.T) {
	t.Parallel()

	o, engine, _ := newOrchestrator(t)
	engine.err = errors.New("engine down")
	o.PlanSymbols([]string{"AAPL"})
	res := o.RecordSnapshots(context.Background(), []crawler.Snapshot{snap("AAPL", at(2, 14, 0))}, at(2, 14, 0))
	require.Equal(t, []string{"AAPL"}, res.Accepted)
	require.Nil(t, res.Analysis)
	require.Nil(t, o.Status().LastAnalysis)
}

func TestPruneRunsOncePerTradingDate(t *testing.T) {
	t.Parallel()

	o, _, store := newOrchestrator(t)
	ctx := context.Background()
	o.PlanSymbols([]string{"AAPL", "MSFT"})

	o.RecordSnapshots(ctx, []crawler.Snapshot{snap("AAPL", at(2, 14, 0))}, at(2, 14, 0))
	o.RecordSnapshots(ctx, []crawler.Snapshot{snap("MSFT", at(2, 15, 0))}, at(2, 15, 0))
	require.Equal(t, 1, store.pruneCalls)
	require.Equal(t, "2024-01-02", o.Status().LastPrunedDate)

	o.RecordSnapshots(ctx, []crawler.Snapshot{snap("AAPL", at(4, 14, 0))}, at(4, 14, 0))
	require.Equal(t, 2, store.pruneCalls)
	require.Equal(t, "2024-01-04", o.Status().LastPrunedDate)

	// retention of one day drops both 2024-01-02 snapshots
	kept := o.Snapshots()
	require.Len(t, kept, 1)
	require.Equal(t, at(4, 14, 0), kept[0].DateTime)
}

func TestNonTradingDayCollects(t *testing.T) {
	t.Parallel()

	o, _, _ := newOrchestrator(t)
	o.PlanSymbols([]string{"AAPL"})
	// 2024-01-06 is a Saturday.
	res := o.RecordSnapshots(context.Background(), []crawler.Snapshot{snap("AAPL", at(6, 10, 0))}, at(6, 10, 0))
	require.Equal(t, []string{"AAPL"}, res.Accepted)
}

func TestRunAnalysisManual(t *testing.T) {
	t.Parallel()

	o, engine, _ := newOrchestrator(t)
	got := o.RunAnalysis(context.Background(), at(2, 20, 0), TriggerDeadline)
	require.NotNil(t, got)
	require.Equal(t, 1, engine.callCount())
}

// --- fakes ---

func newOrchestrator(t *testing.T) (*Orchestrator, *fakeEngine, *fakeStore) {
	t.Helper()
	oracle, err := calendar.New(calendar.Config{
		Timezone:         "UTC",
		TradingDays:      []int{1, 2, 3, 4, 5},
		MarketOpen:       "09:00",
		MarketClose:      "13:00",
		AnalysisDeadline: "20:00",
	})
	require.NoError(t, err)
	engine := &fakeEngine{}
	store := &fakeStore{}
	return New(oracle, engine, store, Config{RetentionDays: 1}, nil), engine, store
}

func at(day, hour, minute int) time.Time {
	return time.Date(2024, time.January, day, hour, minute, 0, 0, time.UTC)
}

func snap(id string, ts time.Time) crawler.Snapshot {
	return crawler.Snapshot{
		ID:       id,
		DateTime: ts,
		Name:     id + " Corp",
		Price:    decimal.RequireFromString("10.50"),
		Volume:   100,
	}
}

type fakeEngine struct {
	mu     sync.Mutex
	inputs [][]crawler.Snapshot
	err    error
}

func (f *fakeEngine) Run(_ context.Context, snapshots []crawler.Snapshot, now time.Time) (crawler.RankedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, snapshots)
	if f.err != nil {
		return crawler.RankedResult{}, f.err
	}
	return crawler.RankedResult{GeneratedAt: now, TradingDate: now.Format(time.DateOnly), SnapshotCount: len(snapshots)}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeEngine) lastInput() []crawler.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

type fakeStore struct {
	saved      []crawler.Snapshot
	pruneCalls int
}

func (f *fakeStore) Query(context.Context, string, time.Time, time.Time) ([]crawler.Snapshot, error) {
	return nil, nil
}

func (f *fakeStore) Save(_ context.Context, s crawler.Snapshot) error {
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakeStore) Prune(context.Context, time.Time, int) (int64, error) {
	f.pruneCalls++
	return 0, nil
}
