// Package server builds the navigator's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/analysis"
	"github.com/JakeFAU/market-navigator/internal/api"
	"github.com/JakeFAU/market-navigator/internal/calendar"
	"github.com/JakeFAU/market-navigator/internal/clock/system"
	"github.com/JakeFAU/market-navigator/internal/config"
	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/dedup"
	"github.com/JakeFAU/market-navigator/internal/metrics"
	"github.com/JakeFAU/market-navigator/internal/orchestrator"
	"github.com/JakeFAU/market-navigator/internal/progress"
	"github.com/JakeFAU/market-navigator/internal/queue"
	"github.com/JakeFAU/market-navigator/internal/retry"
	"github.com/JakeFAU/market-navigator/internal/scheduler"
	"github.com/JakeFAU/market-navigator/internal/store"
	"github.com/JakeFAU/market-navigator/internal/telemetry"
	"github.com/JakeFAU/market-navigator/internal/wake"
)

const crawlQueueName = "crawl-queue"

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	clock      crawler.Clock
}

// WithRegisterer registers the progress metrics on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App contains the navigator's wired components.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock

	baseCtx    context.Context
	cancelBase context.CancelFunc

	Oracle       *calendar.Oracle
	Orchestrator *orchestrator.Orchestrator
	Runner       *scheduler.Runner
	Queue        *queue.Queue
	Alarms       *wake.Alarms
	Cycles       store.CycleRepository
	apiServer    *api.Server
	progressHub  *progress.Hub

	readiness map[string]api.ReadinessCheck
	// closers run in reverse registration order.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the navigator's dependencies. On error every resource
// acquired so far is released.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      o.clock,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		readiness:  make(map[string]api.ReadinessCheck),
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	logger.Info("building navigator",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("timezone", cfg.Schedule.Timezone),
		zap.String("browser_mode", cfg.Browser.Mode),
		zap.Int("symbols", len(cfg.Crawl.Symbols)),
	)

	shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose("tracer", shutdownTracer)

	app.Oracle, err = calendar.New(cfg.Schedule.Calendar())
	if err != nil {
		return nil, err
	}

	snapshots, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupWake(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(o.registerer); err != nil {
		return nil, err
	}
	visitor, err := app.setupVisitor(blobs)
	if err != nil {
		return nil, err
	}

	var engine crawler.AnalysisEngine = analysis.NewRanker(app.Oracle, cfg.Analysis.TopN)
	engine = analysis.NewPublishing(engine, publisher, cfg.PubSub.TopicName, logger.Named("analysis"))
	app.Orchestrator = orchestrator.New(
		app.Oracle,
		engine,
		snapshots,
		orchestrator.Config{RetentionDays: cfg.Schedule.RetentionDays},
		logger.Named("orchestrator"),
	)

	retrier := retry.New(app.Oracle, app.clock, retry.Config{
		Limit: cfg.Schedule.RetryLimit,
		Delay: cfg.Schedule.RetryDelay(),
	}, logger.Named("retry"))

	app.Runner, err = scheduler.New(scheduler.Deps{
		Oracle:   app.Oracle,
		Visitor:  visitor,
		Recorder: app.Orchestrator,
		Deduper:  dedup.New(snapshots, app.Oracle),
		Retrier:  retrier,
		Clock:    app.clock,
		Alarms:   app.Alarms,
		Progress: app.progressHub,
	}, scheduler.Config{
		Cron:    cfg.Crawl.CycleCron,
		Symbols: cfg.Crawl.Symbols,
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	queueLogger := logger.Named("queue")
	app.Queue = queue.New(
		queue.Config{
			Name:  crawlQueueName,
			Delay: time.Duration(cfg.Crawl.QueueDelayMs) * time.Millisecond,
		},
		visitor.Visit,
		queue.WithVisitHook(app.Runner.RecordVisit),
		queue.WithErrorHook(func(err error, ec queue.ErrorContext) {
			queueLogger.Warn("queue visit failed",
				zap.String("symbol", ec.Symbol.ID),
				zap.String("surface", ec.SurfaceHandle),
				zap.Error(err),
			)
		}),
		queue.WithProgressHook(func(p queue.Progress) {
			metrics.SetQueueProgress(p.Completed, p.Remaining)
		}),
		queue.WithSurfaceHandle(visitor.Handle),
		queue.WithClock(app.clock),
		queue.WithWake(app.Alarms),
		queue.WithCheckpoints(app.Alarms.Store()),
		queue.WithLogger(queueLogger),
		queue.WithBaseContext(baseCtx),
	)

	app.apiServer = api.NewServer(api.Deps{
		Oracle:       app.Oracle,
		Queue:        app.Queue,
		Orchestrator: app.Orchestrator,
		Runner:       app.Runner,
		Cycles:       app.Cycles,
		Clock:        app.clock,
		Readiness:    app.readiness,
		BaseContext:  baseCtx,
	}, *cfg, logger.Named("api"))

	return app, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve starts background work and the HTTP server, and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.resume(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.Alarms.Run(a.baseCtx); err != nil {
			a.logger.Error("alarm loop stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutSecs) * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Runner.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop timed out", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// resume restores persisted queue state and fires alarms that came due while
// the process was down before the scheduler re-arms the deadline.
func (a *App) resume(ctx context.Context) error {
	if err := a.Queue.Restore(ctx); err != nil {
		a.logger.Warn("crawl queue restore failed", zap.Error(err))
	}
	if n := a.Alarms.FireDue(a.baseCtx); n > 0 {
		a.logger.Info("fired overdue alarms", zap.Int("count", n))
	}
	if err := a.Runner.Start(a.baseCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// RunCycle runs one crawl cycle in the foreground and flushes progress
// before returning.
func (a *App) RunCycle(ctx context.Context, trigger string) (scheduler.CycleReport, error) {
	report, err := a.Runner.RunCycle(ctx, trigger)
	if a.progressHub != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if cerr := a.progressHub.Close(flushCtx); cerr != nil {
			a.logger.Warn("progress flush failed", zap.Error(cerr))
		}
	}
	return report, err
}

// Close releases every resource acquired by Build.
func (a *App) Close(ctx context.Context) error {
	a.cancelBase()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSecs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSecs) * time.Second
}
