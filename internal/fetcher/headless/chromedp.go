// Package headless drives a real browser tab through chromedp.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// ErrUnknownHandle is returned for handles that were never opened or were closed.
var ErrUnknownHandle = errors.New("unknown surface handle")

// Config controls the behavior of the browser surface.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// ReadySelector, when set, must match before a page counts as ready.
	ReadySelector string
	// Headful shows the browser window; useful when debugging selectors.
	Headful bool
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	meta   *responseMeta
}

// Surface implements crawler.Surface on top of Chrome tabs.
type Surface struct {
	cfg         Config
	ids         crawler.IDGenerator
	allocator   context.Context
	allocCancel context.CancelFunc

	mu   sync.Mutex
	tabs map[string]*tab
}

// NewChromedp creates a Surface backed by a shared Chrome allocator.
func NewChromedp(cfg Config, ids crawler.IDGenerator) (*Surface, error) {
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	headlessFlag := any("new")
	if cfg.Headful {
		headlessFlag = false
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headlessFlag),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Surface{
		cfg:         cfg,
		ids:         ids,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		tabs:        make(map[string]*tab),
	}, nil
}

// Shutdown closes every tab and the browser.
func (s *Surface) Shutdown() {
	s.mu.Lock()
	for id, t := range s.tabs {
		t.cancel()
		delete(s.tabs, id)
	}
	s.mu.Unlock()
	s.allocCancel()
}

// Open starts a new tab.
func (s *Surface) Open(ctx context.Context) (string, error) {
	tabCtx, cancel := chromedp.NewContext(s.allocator)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	// The first Run allocates the tab and must use the tab context itself.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return "", fmt.Errorf("start tab: %w", err)
	}
	runCtx, stop := s.bound(ctx, tabCtx)
	defer stop()
	if err := chromedp.Run(runCtx, s.setupAction()); err != nil {
		cancel()
		return "", fmt.Errorf("open tab: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		cancel()
		return "", fmt.Errorf("open tab: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[id] = &tab{ctx: tabCtx, cancel: cancel, meta: meta}
	return id, nil
}

// Navigate loads url in the tab and fails on HTTP error statuses.
func (s *Surface) Navigate(ctx context.Context, handle string, url string) error {
	t, err := s.tab(handle)
	if err != nil {
		return err
	}
	t.meta.reset()
	runCtx, stop := s.bound(ctx, t.ctx)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if status := t.meta.documentStatus(); status >= 400 {
		return fmt.Errorf("navigate %s: http status %d", url, status)
	}
	return nil
}

// Location returns the tab's current URL.
func (s *Surface) Location(ctx context.Context, handle string) (string, error) {
	t, err := s.tab(handle)
	if err != nil {
		return "", err
	}
	var loc string
	runCtx, stop := s.bound(ctx, t.ctx)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Ready evaluates the document completion signal once.
func (s *Surface) Ready(ctx context.Context, handle string) (bool, error) {
	t, err := s.tab(handle)
	if err != nil {
		return false, err
	}
	var ready bool
	runCtx, stop := s.bound(ctx, t.ctx)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(readyExpression(s.cfg.ReadySelector), &ready)); err != nil {
		return false, fmt.Errorf("evaluate readiness: %w", err)
	}
	return ready, nil
}

// HTML returns the rendered document.
func (s *Surface) HTML(ctx context.Context, handle string) (string, error) {
	t, err := s.tab(handle)
	if err != nil {
		return "", err
	}
	var html string
	runCtx, stop := s.bound(ctx, t.ctx)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read outer html: %w", err)
	}
	return html, nil
}

// Close closes the tab.
func (s *Surface) Close(handle string) error {
	s.mu.Lock()
	t, ok := s.tabs[handle]
	delete(s.tabs, handle)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	t.cancel()
	return nil
}

func (s *Surface) tab(handle string) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return t, nil
}

// bound derives a per-call context from the tab context that also ends when
// the caller's ctx does. Canceling it never closes the tab.
func (s *Surface) bound(caller, tabCtx context.Context) (context.Context, func()) {
	runCtx, cancel := context.WithTimeout(tabCtx, s.navTimeout())
	stopAfter := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stopAfter()
		cancel()
	}
}

func (s *Surface) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Surface) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func readyExpression(selector string) string {
	expr := `document.readyState === "complete"`
	if selector == "" {
		return expr
	}
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf("%s && document.querySelector(%s) !== null", expr, quoted)
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) documentStatus() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
