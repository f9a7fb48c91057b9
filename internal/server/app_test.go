package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/market-navigator/internal/config"
	"github.com/JakeFAU/market-navigator/internal/scheduler"
	"github.com/JakeFAU/market-navigator/internal/wake"
)

func TestBuildInMemory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	for _, path := range []string{"/healthz", "/readyz", "/v1/schedule", "/v1/crawl", "/v1/orchestrator", "/v1/cycles"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.NotNil(t, app.Runner)
	require.NotNil(t, app.Queue)
	require.False(t, app.Runner.Running())
}

func TestBuildWithFileBackends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Wake.Backend = "file"
	cfg.Wake.FilePath = filepath.Join(dir, "wake", "state.json")
	cfg.Storage.Blobs = "local"
	cfg.Storage.LocalDir = filepath.Join(dir, "pages")
	cfg.RateLimit.RPS = 0

	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	require.DirExists(t, filepath.Dir(cfg.Wake.FilePath))
}

func TestBuildFailsOnBadDatabase(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Snapshots = "postgres"
	cfg.Database.DSN = "::not a dsn::"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "postgres pool init failed")
}

func TestRunCycleOutsideWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	// Tuesday during market hours: a trading-day blackout.
	clock := fixedClock{now: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err = app.RunCycle(context.Background(), scheduler.TriggerManual)
	require.ErrorIs(t, err, scheduler.ErrOutsideWindow)
}

func TestResumeFiresOverdueDeadlineBeforeRearming(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Crawl.CycleCron = ""
	// Tuesday after the 20:00 deadline.
	clock := fixedClock{now: time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)}
	app, err := Build(ctx, cfg, zaptest.NewLogger(t),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(clock),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	overdue := time.Date(2024, 1, 2, 20, 0, 0, 0, time.UTC)
	require.NoError(t, app.Alarms.Register(ctx, scheduler.DefaultDeadlineAlarm, overdue))

	var fired []wake.Alarm
	app.Alarms.Handle(scheduler.DefaultDeadlineAlarm, func(_ context.Context, alarm wake.Alarm) {
		fired = append(fired, alarm)
	})

	require.NoError(t, app.resume(ctx))
	require.NoError(t, app.Runner.Stop(ctx))

	require.Len(t, fired, 1)
	require.True(t, overdue.Equal(fired[0].FireAt))

	next := time.Date(2024, 1, 3, 20, 0, 0, 0, time.UTC)
	due, err := app.Alarms.Store().DueAlarms(ctx, next)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, scheduler.DefaultDeadlineAlarm, due[0].Name)
	require.True(t, next.Equal(due[0].FireAt))
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	app, err := Build(context.Background(), testConfig(t), zaptest.NewLogger(t), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	require.NoError(t, app.Close(context.Background()))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Schedule.Timezone = "UTC"
	cfg.Browser.Mode = "static"
	cfg.Crawl.Symbols = []string{"AAPL", "MSFT"}
	cfg.Progress.LogEvents = false
	return cfg
}

// --- fakes ---

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }
