package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/calendar"
	"github.com/JakeFAU/market-navigator/internal/config"
	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/metrics"
	"github.com/JakeFAU/market-navigator/internal/orchestrator"
	"github.com/JakeFAU/market-navigator/internal/queue"
	"github.com/JakeFAU/market-navigator/internal/scheduler"
	"github.com/JakeFAU/market-navigator/internal/store"
)

const requestTimeout = 60 * time.Second

// CrawlQueue is the ad-hoc queue surface exposed over HTTP.
type CrawlQueue interface {
	EnqueueSymbols(ids []string) int
	ReplaceQueue(ids []string)
	Start() bool
	Stop()
	Status() queue.Status
}

// Orchestrator exposes accumulated state and manual analysis.
type Orchestrator interface {
	Status() orchestrator.Status
	RunAnalysis(ctx context.Context, now time.Time, trigger string) *crawler.RankedResult
}

// CycleRunner triggers crawl cycles.
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger string) (scheduler.CycleReport, error)
	Running() bool
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the routes. Cycles and Readiness are
// optional.
type Deps struct {
	Oracle       *calendar.Oracle
	Queue        CrawlQueue
	Orchestrator Orchestrator
	Runner       CycleRunner
	Cycles       store.CycleRepository
	Clock        crawler.Clock
	Readiness    map[string]ReadinessCheck
	// BaseContext outlives requests; background cycles run under it.
	BaseContext context.Context
}

// Server wires HTTP handlers to the navigator components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
	cycles *CycleHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		cycles: NewCycleHandler(deps.Cycles, logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/schedule", s.getSchedule)
		r.Route("/crawl", func(r chi.Router) {
			r.Get("/", s.getCrawl)
			r.Post("/symbols", s.enqueueSymbols)
			r.Put("/queue", s.replaceQueue)
			r.Post("/start", s.startCrawl)
			r.Post("/stop", s.stopCrawl)
		})
		r.Get("/orchestrator", s.getOrchestrator)
		r.Post("/analysis", s.runAnalysis)
		r.Route("/cycles", func(r chi.Router) {
			r.Post("/", s.triggerCycle)
			r.Get("/", s.cycles.ListCycles)
			r.Route("/{cycle_id}", func(r chi.Router) {
				r.Get("/", s.cycles.GetCycle)
				r.Get("/symbols", s.cycles.ListCycleSymbols)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.deps.Readiness {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	at := s.deps.Clock.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = parsed
	}
	writeJSON(w, http.StatusOK, s.deps.Oracle.Evaluate(at))
}

func (s *Server) getCrawl(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Status())
}

type symbolsRequest struct {
	Symbols []string `json:"symbols"`
	Start   bool     `json:"start"`
}

func decodeSymbols(r *http.Request) (symbolsRequest, error) {
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.New("invalid JSON")
	}
	if len(crawler.NormalizeSymbols(req.Symbols)) == 0 {
		return req, errors.New("symbols required")
	}
	return req, nil
}

func (s *Server) enqueueSymbols(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSymbols(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added := s.deps.Queue.EnqueueSymbols(req.Symbols)
	started := false
	if req.Start {
		started = s.deps.Queue.Start()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"added":   added,
		"started": started,
		"queue":   s.deps.Queue.Status(),
	})
}

func (s *Server) replaceQueue(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSymbols(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Queue.ReplaceQueue(req.Symbols)
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.deps.Queue.Status()})
}

func (s *Server) startCrawl(w http.ResponseWriter, _ *http.Request) {
	started := s.deps.Queue.Start()
	writeJSON(w, http.StatusOK, map[string]any{"started": started, "queue": s.deps.Queue.Status()})
}

func (s *Server) stopCrawl(w http.ResponseWriter, _ *http.Request) {
	s.deps.Queue.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.deps.Queue.Status()})
}

func (s *Server) getOrchestrator(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.Status())
}

func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request) {
	result := s.deps.Orchestrator.RunAnalysis(r.Context(), s.deps.Clock.Now(), orchestrator.TriggerManual)
	if result == nil {
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// triggerCycle starts a cycle in the background and returns immediately.
func (s *Server) triggerCycle(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Runner.Running() {
		writeError(w, http.StatusConflict, scheduler.ErrCycleInFlight.Error())
		return
	}
	if !s.deps.Oracle.ShouldCollect(s.deps.Clock.Now()) {
		writeError(w, http.StatusConflict, scheduler.ErrOutsideWindow.Error())
		return
	}
	go func() {
		report, err := s.deps.Runner.RunCycle(s.deps.BaseContext, scheduler.TriggerManual)
		if err != nil {
			s.logger.Warn("manual cycle did not run", zap.Error(err))
			return
		}
		s.logger.Info("manual cycle finished",
			zap.String("cycle_id", report.ID.String()),
			zap.Int("accepted", len(report.Accepted)),
			zap.Bool("aborted", report.Aborted),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
