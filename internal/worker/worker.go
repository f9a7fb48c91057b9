// Package worker implements the per-symbol visit: drive the shared surface to
// the instrument page, wait until it settles, extract a snapshot, and archive
// the raw document.
package worker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-navigator/internal/crawler"
	"github.com/JakeFAU/market-navigator/internal/metrics"
	"github.com/JakeFAU/market-navigator/internal/telemetry"
)

var (
	// ErrReadyTimeout means the page never signaled completion.
	ErrReadyTimeout = errors.New("page not ready before timeout")
	// ErrIncomplete means the extractor found no usable snapshot.
	ErrIncomplete = errors.New("page extraction incomplete")
)

// VisitError is a failed attempt for one symbol. It never aborts a crawl.
type VisitError struct {
	Symbol string
	URL    string
	Err    error
}

func (e *VisitError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("visit %s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("visit %s (%s): %v", e.Symbol, e.URL, e.Err)
}

func (e *VisitError) Unwrap() error { return e.Err }

// Limiter paces navigations per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// TradingDater maps timestamps to trading dates.
type TradingDater interface {
	TradingDate(now time.Time) string
}

// Config controls Visitor behavior.
type Config struct {
	ReuseSurface bool
	URLTemplate  string
	// SymbolPattern must contain one capture group around the identifier.
	SymbolPattern string
	PollInterval  time.Duration
	WaitTimeout   time.Duration
	ArchiveHTML   bool
	BlobPrefix    string
	ContentType   string
}

// Deps are the collaborators of a Visitor. Limiter, Blobs, Hasher and Dates
// are optional; archiving needs all of Blobs, Hasher and Dates.
type Deps struct {
	Surface   crawler.Surface
	Extractor crawler.Extractor
	Clock     crawler.Clock
	Limiter   Limiter
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Dates     TradingDater
}

// Visitor performs visits on a single surface. Visits are serialized.
type Visitor struct {
	deps    Deps
	cfg     Config
	pattern *regexp.Regexp
	logger  *zap.Logger

	visitMu sync.Mutex

	handleMu sync.RWMutex
	handle   string
}

// New constructs a Visitor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Visitor, error) {
	if deps.Surface == nil || deps.Extractor == nil || deps.Clock == nil {
		return nil, fmt.Errorf("surface, extractor and clock are required")
	}
	if !strings.Contains(cfg.URLTemplate, idPlaceholder) {
		return nil, fmt.Errorf("crawl.url_template must contain %s", idPlaceholder)
	}
	var pattern *regexp.Regexp
	if cfg.SymbolPattern != "" {
		var err error
		if pattern, err = regexp.Compile(cfg.SymbolPattern); err != nil {
			return nil, fmt.Errorf("compile symbol pattern: %w", err)
		}
		if pattern.NumSubexp() < 1 {
			return nil, fmt.Errorf("symbol pattern needs a capture group")
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 15 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Visitor{deps: deps, cfg: cfg, pattern: pattern, logger: logger}, nil
}

// Handle reports the surface currently in use, or "" before the first visit.
func (v *Visitor) Handle() string {
	v.handleMu.RLock()
	defer v.handleMu.RUnlock()
	return v.handle
}

func (v *Visitor) setHandle(h string) {
	v.handleMu.Lock()
	defer v.handleMu.Unlock()
	v.handle = h
}

// Visit captures one snapshot for sym. Every failure is a *VisitError.
func (v *Visitor) Visit(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, error) {
	v.visitMu.Lock()
	defer v.visitMu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "worker.visit",
		trace.WithAttributes(attribute.String("symbol", sym.ID)))
	defer span.End()

	start := time.Now()
	snap, target, err := v.visit(ctx, sym)
	metrics.ObserveVisit(visitResult(err), time.Since(start))
	span.SetAttributes(attribute.String("url", target))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, visitResult(err))
		return crawler.Snapshot{}, &VisitError{Symbol: sym.ID, URL: target, Err: err}
	}
	return snap, nil
}

func (v *Visitor) visit(ctx context.Context, sym crawler.Symbol) (crawler.Snapshot, string, error) {
	handle, target, err := v.prepare(ctx, sym)
	if err != nil {
		return crawler.Snapshot{}, target, err
	}
	if v.deps.Limiter != nil {
		if err := v.deps.Limiter.Wait(ctx, target); err != nil {
			return crawler.Snapshot{}, target, err
		}
	}
	if err := v.deps.Surface.Navigate(ctx, handle, target); err != nil {
		v.discardSurface(handle)
		return crawler.Snapshot{}, target, err
	}
	if err := v.waitReady(ctx, handle); err != nil {
		return crawler.Snapshot{}, target, err
	}
	html, err := v.deps.Surface.HTML(ctx, handle)
	if err != nil {
		return crawler.Snapshot{}, target, err
	}
	pageURL := target
	if loc, err := v.deps.Surface.Location(ctx, handle); err == nil && loc != "" {
		pageURL = loc
	}
	extracted, err := v.deps.Extractor.Extract(ctx, crawler.Page{Symbol: sym, URL: pageURL, HTML: html})
	if err != nil {
		return crawler.Snapshot{}, target, err
	}
	if extracted == nil {
		return crawler.Snapshot{}, target, ErrIncomplete
	}
	snap := *extracted
	snap.ID = sym.ID
	snap.DateTime = v.deps.Clock.Now()
	if v.cfg.ArchiveHTML {
		uri, err := v.archive(ctx, sym.ID, snap.DateTime, html)
		if err != nil {
			v.logger.Warn("archive page failed", zap.String("symbol", sym.ID), zap.Error(err))
		} else {
			snap.BlobURI = uri
		}
	}
	return snap, target, nil
}

// prepare picks the surface and target URL. With reuse enabled, the existing
// surface is retargeted by substituting the identifier in its location.
func (v *Visitor) prepare(ctx context.Context, sym crawler.Symbol) (string, string, error) {
	target := sym.ResolvedTarget
	handle := v.Handle()

	if v.cfg.ReuseSurface && handle != "" {
		if target == "" {
			if loc, err := v.deps.Surface.Location(ctx, handle); err == nil {
				if retargeted, ok := Retarget(loc, v.pattern, sym.ID); ok {
					target = retargeted
				}
			}
		}
	} else {
		if handle != "" {
			v.discardSurface(handle)
		}
		opened, err := v.deps.Surface.Open(ctx)
		if err != nil {
			return "", target, fmt.Errorf("open surface: %w", err)
		}
		v.setHandle(opened)
		handle = opened
	}

	if target == "" {
		built, err := BuildTarget(v.cfg.URLTemplate, sym.ID)
		if err != nil {
			return "", "", err
		}
		target = built
	}
	return handle, target, nil
}

func (v *Visitor) discardSurface(handle string) {
	if err := v.deps.Surface.Close(handle); err != nil {
		v.logger.Debug("close surface failed", zap.String("surface", handle), zap.Error(err))
	}
	v.handleMu.Lock()
	if v.handle == handle {
		v.handle = ""
	}
	v.handleMu.Unlock()
}

// waitReady polls the completion signal at a fixed interval until it holds,
// the timeout elapses, or ctx ends.
func (v *Visitor) waitReady(ctx context.Context, handle string) error {
	deadline := time.NewTimer(v.cfg.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ready, err := v.deps.Surface.Ready(ctx, handle)
		if err == nil && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for ready: %w", ctx.Err())
		case <-deadline.C:
			return ErrReadyTimeout
		case <-ticker.C:
		}
	}
}

func (v *Visitor) archive(ctx context.Context, id string, at time.Time, html string) (string, error) {
	if v.deps.Blobs == nil || v.deps.Hasher == nil || v.deps.Dates == nil {
		return "", fmt.Errorf("archive is not configured")
	}
	body := []byte(html)
	hash, err := v.deps.Hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	path := v.blobPath(v.deps.Dates.TradingDate(at), id, hash)
	uri, err := v.deps.Blobs.PutObject(ctx, path, v.cfg.ContentType, strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("put page: %w", err)
	}
	return uri, nil
}

func (v *Visitor) blobPath(tradingDate, id, hash string) string {
	prefix := strings.Trim(v.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.html", tradingDate, id, hash)
	}
	return fmt.Sprintf("%s/%s/%s/%s.html", prefix, tradingDate, id, hash)
}

func visitResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReadyTimeout):
		return "timeout"
	case errors.Is(err, ErrIncomplete):
		return "incomplete"
	default:
		return "failed"
	}
}
