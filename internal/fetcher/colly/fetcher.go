// Package collyfetcher implements a static crawler.Surface on gocolly for
// quote pages that render without JavaScript.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// ErrUnknownHandle is returned for handles that were never opened or were closed.
var ErrUnknownHandle = errors.New("unknown surface handle")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

type page struct {
	url    string
	body   string
	status int
	loaded bool
}

// Surface emulates a tab: each handle remembers the last document it loaded.
type Surface struct {
	cfg           Config
	baseCollector *colly.Collector
	ids           crawler.IDGenerator

	mu    sync.Mutex
	pages map[string]*page
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Surface.
func New(cfg Config, ids crawler.IDGenerator) *Surface {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Surface{
		cfg:           cfg,
		baseCollector: c,
		ids:           ids,
		pages:         make(map[string]*page),
	}
}

// Open implements crawler.Surface.
func (s *Surface) Open(_ context.Context) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("open static surface: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[id] = &page{}
	return id, nil
}

// Navigate fetches url into the handle's document.
func (s *Surface) Navigate(ctx context.Context, handle string, url string) error {
	if _, err := s.page(handle); err != nil {
		return err
	}
	var (
		loaded   page
		fetchErr error
	)
	collector := s.buildCollector()
	s.configureCollectorHooks(collector, &loaded, &fetchErr)
	if err := s.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return err
	}
	loaded.loaded = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[handle]; !ok {
		return ErrUnknownHandle
	}
	s.pages[handle] = &loaded
	return nil
}

// Location implements crawler.Surface.
func (s *Surface) Location(_ context.Context, handle string) (string, error) {
	p, err := s.page(handle)
	if err != nil {
		return "", err
	}
	return p.url, nil
}

// Ready reports whether the last navigation produced a document.
func (s *Surface) Ready(_ context.Context, handle string) (bool, error) {
	p, err := s.page(handle)
	if err != nil {
		return false, err
	}
	return p.loaded, nil
}

// HTML implements crawler.Surface.
func (s *Surface) HTML(_ context.Context, handle string) (string, error) {
	p, err := s.page(handle)
	if err != nil {
		return "", err
	}
	return p.body, nil
}

// Close implements crawler.Surface.
func (s *Surface) Close(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, handle)
	return nil
}

func (s *Surface) page(handle string) (page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[handle]
	if !ok {
		return page{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return *p, nil
}

func (s *Surface) buildCollector() *colly.Collector {
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	timeout := s.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (s *Surface) configureCollectorHooks(hooks collectorHooks, result *page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = page{
			url:    r.Request.URL.String(),
			body:   string(r.Body),
			status: r.StatusCode,
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("http status %d: %w", r.StatusCode, err)
		}
		*fetchErr = err
	})
}

func (s *Surface) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("static navigate canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("static navigate %s: %w", url, *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("static navigate %s: %w", url, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
