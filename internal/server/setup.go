package server

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/extract"
	collyfetcher "github.com/JakeFAU/market-navigator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/market-navigator/internal/fetcher/headless"
	"github.com/JakeFAU/market-navigator/internal/hash/sha256"
	"github.com/JakeFAU/market-navigator/internal/id/uuid"
	"github.com/JakeFAU/market-navigator/internal/policy/ratelimit"
	"github.com/JakeFAU/market-navigator/internal/policy/simple"
	"github.com/JakeFAU/market-navigator/internal/progress"
	progresssinks "github.com/JakeFAU/market-navigator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/market-navigator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/market-navigator/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/market-navigator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/market-navigator/internal/storage/local"
	memorystorage "github.com/JakeFAU/market-navigator/internal/storage/memory"
	pgstore "github.com/JakeFAU/market-navigator/internal/storage/postgres"
	"github.com/JakeFAU/market-navigator/internal/wake"
	"github.com/JakeFAU/market-navigator/internal/worker"
)

// setupDatabase returns the snapshot store and sets a.Cycles.
func (a *App) setupDatabase(ctx context.Context) (crawler.SnapshotStore, error) {
	dbCfg := a.cfg.Database
	if a.cfg.Storage.Snapshots != "postgres" {
		a.logger.Info("using in-memory snapshot and cycle stores")
		a.Cycles = memorystorage.NewCycleStore()
		return memorystorage.NewSnapshotStore(a.Oracle), nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             dbCfg.DSN,
		MaxConns:        dbCfg.MaxConns,
		MinConns:        dbCfg.MinConns,
		MaxConnLifetime: time.Duration(dbCfg.MaxConnLifetimeMins) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	a.onClose("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	a.readiness["postgres"] = pool.Ping
	if dbCfg.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
	}
	snapshots, err := pgstore.NewSnapshotStore(pool, dbCfg.SnapshotTable, a.Oracle)
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}
	a.Cycles = pgstore.NewCycleStore(pool)
	a.logger.Info("postgres stores initialized", zap.String("snapshot_table", dbCfg.SnapshotTable))
	return snapshots, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Blobs {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob storage", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory blob storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("pubsub disabled, analysis results stay in memory")
		return memorypublisher.New(), nil
	}
	client, err := gcppublisher.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client)
	a.onClose("pubsub", func(context.Context) error { return publisher.Close() })
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupWake(ctx context.Context) error {
	wakeCfg := a.cfg.Wake
	var (
		st  wake.Store
		err error
	)
	switch wakeCfg.Backend {
	case "file":
		st, err = wake.NewFileStore(wakeCfg.FilePath)
	case "redis":
		st, err = wake.NewRedisStore(ctx, wake.RedisConfig{
			Addr:     wakeCfg.RedisAddr,
			Password: wakeCfg.RedisPassword,
			DB:       wakeCfg.RedisDB,
			Prefix:   wakeCfg.RedisPrefix,
		})
	default:
		st = wake.NewMemoryStore()
	}
	if err != nil {
		return fmt.Errorf("wake store init failed: %w", err)
	}
	a.onClose("wake", func(context.Context) error { return st.Close() })
	a.Alarms = wake.NewAlarms(
		st,
		a.clock,
		time.Duration(wakeCfg.PollIntervalMs)*time.Millisecond,
		a.logger.Named("wake"),
	)
	a.logger.Info("wake store initialized", zap.String("backend", wakeCfg.Backend))
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	progCfg := a.cfg.Progress
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.Cycles, a.logger.Named("progress_store")),
	}
	if progCfg.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Metrics.Enabled {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     progCfg.BufferSize,
		MaxBatchEvents: progCfg.MaxBatchEvents,
		MaxBatchWait:   time.Duration(progCfg.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(progCfg.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    a.baseCtx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.onClose("progress", a.progressHub.Close)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupVisitor(blobs crawler.BlobStore) (*worker.Visitor, error) {
	browser := a.cfg.Browser
	ids := uuid.New()
	var surface crawler.Surface
	if browser.Mode == "static" {
		surface = collyfetcher.New(collyfetcher.Config{
			UserAgent:     browser.UserAgent,
			RespectRobots: browser.RespectRobots,
			Timeout:       time.Duration(browser.NavTimeoutSeconds) * time.Second,
		}, ids)
		a.logger.Info("using static colly surface", zap.String("user_agent", browser.UserAgent))
	} else {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         browser.UserAgent,
			NavigationTimeout: time.Duration(browser.NavTimeoutSeconds) * time.Second,
			ReadySelector:     browser.ReadySelector,
			Headful:           browser.Headful,
		}, ids)
		if err != nil {
			return nil, fmt.Errorf("headless surface init failed: %w", err)
		}
		a.onClose("chromedp", func(context.Context) error {
			chrome.Shutdown()
			return nil
		})
		surface = chrome
		a.logger.Info("using headless chromedp surface", zap.Bool("headful", browser.Headful))
	}

	sel := a.cfg.Extract
	extractor, err := extract.New(extract.Selectors{
		Name:          sel.Name,
		Price:         sel.Price,
		Change:        sel.Change,
		ChangePercent: sel.ChangePercent,
		Volume:        sel.Volume,
	})
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}

	var limiter worker.Limiter = simple.New()
	if a.cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: a.cfg.RateLimit.RPS, Burst: a.cfg.RateLimit.Burst})
	} else {
		a.logger.Info("rate limiting disabled")
	}

	visitor, err := worker.New(worker.Deps{
		Surface:   surface,
		Extractor: extractor,
		Clock:     a.clock,
		Limiter:   limiter,
		Blobs:     blobs,
		Hasher:    sha256.New(),
		Dates:     a.Oracle,
	}, worker.Config{
		ReuseSurface:  a.cfg.Crawl.ReuseSurface,
		URLTemplate:   a.cfg.Crawl.URLTemplate,
		SymbolPattern: a.cfg.Crawl.SymbolPattern,
		PollInterval:  a.cfg.Schedule.PollInterval(),
		WaitTimeout:   a.cfg.Schedule.WaitTimeout(),
		ArchiveHTML:   a.cfg.Crawl.ArchiveHTML,
		BlobPrefix:    a.cfg.Storage.Prefix,
		ContentType:   a.cfg.Storage.ContentType,
	}, a.logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	return visitor, nil
}
