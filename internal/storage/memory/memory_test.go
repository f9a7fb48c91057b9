package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/store"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	uri, err := s.PutObject(context.Background(), "pages/2024-01-02/AAPL/abc.html", "text/html", strings.NewReader("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/2024-01-02/AAPL/abc.html", uri)

	data, ct, ok := s.Object("pages/2024-01-02/AAPL/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html/>", string(data))
	require.Equal(t, "text/html", ct)
	require.Equal(t, 1, s.Len())

	_, err = s.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}

func TestSnapshotStoreSaveQueryPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewSnapshotStore(utcCalendar{})
	day1 := time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC)
	day5 := day1.AddDate(0, 0, 4)

	require.NoError(t, s.Save(ctx, snapshot("AAPL", day1)))
	require.NoError(t, s.Save(ctx, snapshot("AAPL", day1)))
	require.NoError(t, s.Save(ctx, snapshot("AAPL", day5)))
	require.NoError(t, s.Save(ctx, snapshot("MSFT", day1)))
	require.Error(t, s.Save(ctx, crawler.Snapshot{ID: "BAD"}))
	require.Equal(t, 3, s.Len())

	got, err := s.Query(ctx, "AAPL", day1.Add(-time.Hour), day5.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].DateTime.Before(got[1].DateTime))

	removed, err := s.Prune(ctx, day5, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)
	require.Equal(t, 1, s.Len())
}

func TestCycleStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCycleStore()
	first := uuid.New()
	second := uuid.New()
	started := time.Date(2024, 1, 2, 14, 0, 0, 0, time.UTC)

	require.NoError(t, s.StartCycle(ctx, store.CycleRun{ID: first, Trigger: "cron", StartedAt: started, Planned: 2}))
	require.NoError(t, s.StartCycle(ctx, store.CycleRun{ID: second, Trigger: "manual", StartedAt: started.Add(time.Hour)}))

	msg := "window closed"
	require.NoError(t, s.FinishCycle(ctx, first, started.Add(time.Minute), store.CycleAborted, 1, 1, &msg))
	require.ErrorIs(t, s.FinishCycle(ctx, uuid.New(), started, store.CycleError, 0, 0, nil), store.ErrNotFound)

	run, err := s.GetCycle(ctx, first)
	require.NoError(t, err)
	require.Equal(t, store.CycleAborted, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, "window closed", *run.ErrorMessage)

	all, err := s.ListCycles(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second, all[0].ID)

	aborted := store.CycleAborted
	filtered, err := s.ListCycles(ctx, &aborted, 10, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	beyond, err := s.ListCycles(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, beyond)
}

func TestCycleStoreRecordVisitsAccumulates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewCycleStore()
	id := uuid.New()
	at := time.Now()
	msg := "timeout"

	require.NoError(t, s.RecordVisits(ctx, id, "AAPL", 1, 1, false, &msg, at))
	require.NoError(t, s.RecordVisits(ctx, id, "AAPL", 1, 0, true, nil, at.Add(time.Second)))
	require.NoError(t, s.RecordVisits(ctx, id, "MSFT", 1, 0, true, nil, at))

	stats, err := s.ListCycleSymbols(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "AAPL", stats[0].Symbol)
	require.Equal(t, int64(2), stats[0].Attempts)
	require.Equal(t, int64(1), stats[0].Failures)
	require.True(t, stats[0].Accepted)
	require.Equal(t, "timeout", *stats[0].LastError)
}

// --- fakes ---

type utcCalendar struct{}

func (utcCalendar) TradingDate(now time.Time) string { return now.UTC().Format(time.DateOnly) }

func (utcCalendar) RetentionCutoff(now time.Time, days int) string {
	return now.UTC().AddDate(0, 0, -days).Format(time.DateOnly)
}

func snapshot(id string, at time.Time) crawler.Snapshot {
	return crawler.Snapshot{ID: id, DateTime: at, Price: decimal.NewFromInt(1)}
}
