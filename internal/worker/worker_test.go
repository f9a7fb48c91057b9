package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

const quotePattern = `/quote/([A-Z0-9.\-]+)`

func TestRetarget(t *testing.T) {
	t.Parallel()

	pattern := regexp.MustCompile(quotePattern)
	tests := []struct {
		name    string
		current string
		id      string
		want    string
		ok      bool
	}{
		{name: "keeps query", current: "https://example.com/quote/AAPL?x=1", id: "MSFT", want: "https://example.com/quote/MSFT?x=1", ok: true},
		{name: "keeps fragment", current: "https://example.com/quote/AAPL#top", id: "BRK.B", want: "https://example.com/quote/BRK.B#top", ok: true},
		{name: "no match", current: "https://example.com/about", id: "MSFT", ok: false},
		{name: "empty current", current: "", id: "MSFT", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Retarget(tt.current, pattern, tt.id)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildTarget(t *testing.T) {
	t.Parallel()

	got, err := BuildTarget("https://example.com/quote/{id}", "AAPL")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/quote/AAPL", got)

	_, err = BuildTarget("https://example.com/quote", "AAPL")
	require.Error(t, err)
}

func TestVisitReusesSurfaceAndRetargets(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	surface.initial = "https://example.com/quote/AAPL?x=1"
	v := newVisitor(t, surface, Config{ReuseSurface: true, SymbolPattern: quotePattern}, Deps{})

	snap, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.NoError(t, err)
	require.Equal(t, "AAPL", snap.ID)
	require.Equal(t, fixedNow, snap.DateTime)

	_, err = v.Visit(context.Background(), crawler.Symbol{ID: "MSFT"})
	require.NoError(t, err)

	require.Equal(t, 1, surface.opens)
	require.Equal(t, []string{
		"https://example.com/quote/AAPL",
		"https://example.com/quote/MSFT",
	}, surface.navigations)
	require.Empty(t, surface.closed)
	require.Equal(t, "tab-1", v.Handle())
}

func TestVisitRetargetKeepsQuery(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	v := newVisitor(t, surface, Config{ReuseSurface: true, SymbolPattern: quotePattern}, Deps{})
	_, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL", ResolvedTarget: "https://example.com/quote/AAPL?x=1"})
	require.NoError(t, err)
	_, err = v.Visit(context.Background(), crawler.Symbol{ID: "MSFT"})
	require.NoError(t, err)

	require.Equal(t, "https://example.com/quote/MSFT?x=1", surface.navigations[1])
}

func TestVisitFreshSurfaceEachTime(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	v := newVisitor(t, surface, Config{ReuseSurface: false}, Deps{})

	for _, id := range []string{"AAPL", "MSFT"} {
		_, err := v.Visit(context.Background(), crawler.Symbol{ID: id})
		require.NoError(t, err)
	}

	require.Equal(t, 2, surface.opens)
	require.Equal(t, []string{"tab-1"}, surface.closed)
	require.Equal(t, "tab-2", v.Handle())
}

func TestVisitUsesResolvedTarget(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	v := newVisitor(t, surface, Config{}, Deps{})
	_, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL", ResolvedTarget: "https://other.example/q?s=AAPL"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://other.example/q?s=AAPL"}, surface.navigations)
}

func TestVisitReadyTimeout(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	surface.neverReady = true
	v := newVisitor(t, surface, Config{PollInterval: time.Millisecond, WaitTimeout: 20 * time.Millisecond}, Deps{})

	_, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.ErrorIs(t, err, ErrReadyTimeout)

	var visitErr *VisitError
	require.ErrorAs(t, err, &visitErr)
	require.Equal(t, "AAPL", visitErr.Symbol)
	require.Equal(t, "https://example.com/quote/AAPL", visitErr.URL)
}

func TestVisitCancelDuringWait(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	surface.neverReady = true
	v := newVisitor(t, surface, Config{PollInterval: time.Millisecond, WaitTimeout: time.Minute}, Deps{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := v.Visit(ctx, crawler.Symbol{ID: "AAPL"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVisitIncompleteExtraction(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	v := newVisitor(t, surface, Config{}, Deps{Extractor: &fakeExtractor{incomplete: true}})
	_, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestVisitNavigateFailureDropsSurface(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	surface.navigateErr = errors.New("net::ERR_CONNECTION_RESET")
	v := newVisitor(t, surface, Config{ReuseSurface: true, SymbolPattern: quotePattern}, Deps{})

	_, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.Error(t, err)
	require.Equal(t, "", v.Handle())
	require.Equal(t, []string{"tab-1"}, surface.closed)

	surface.mu.Lock()
	surface.navigateErr = nil
	surface.mu.Unlock()
	_, err = v.Visit(context.Background(), crawler.Symbol{ID: "MSFT"})
	require.NoError(t, err)
	require.Equal(t, 2, surface.opens)
}

func TestVisitArchivesHTML(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	blobs := &fakeBlobs{}
	v := newVisitor(t, surface, Config{ArchiveHTML: true, BlobPrefix: "/pages/"}, Deps{
		Blobs:  blobs,
		Hasher: fakeHasher{},
		Dates:  fakeDates{},
	})

	snap, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.NoError(t, err)
	require.Equal(t, "mem://pages/2024-01-02/AAPL/digest.html", snap.BlobURI)
	require.Equal(t, "pages/2024-01-02/AAPL/digest.html", blobs.path)
	require.Equal(t, "text/html; charset=utf-8", blobs.contentType)
	require.Contains(t, blobs.body, "AAPL")
}

func TestVisitArchiveFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()

	surface := newFakeSurface()
	v := newVisitor(t, surface, Config{ArchiveHTML: true}, Deps{
		Blobs:  &fakeBlobs{err: errors.New("bucket gone")},
		Hasher: fakeHasher{},
		Dates:  fakeDates{},
	})
	snap, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.NoError(t, err)
	require.Empty(t, snap.BlobURI)
}

func TestVisitWaitsForLimiter(t *testing.T) {
	t.Parallel()

	limiter := &fakeLimiter{err: context.Canceled}
	surface := newFakeSurface()
	v := newVisitor(t, surface, Config{}, Deps{Limiter: limiter})
	_, err := v.Visit(context.Background(), crawler.Symbol{ID: "AAPL"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"https://example.com/quote/AAPL"}, limiter.urls)
	require.Empty(t, surface.navigations)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	deps := Deps{Surface: newFakeSurface(), Extractor: &fakeExtractor{}, Clock: fixedClock{}}
	_, err := New(deps, Config{URLTemplate: "https://example.com/quote"}, nil)
	require.Error(t, err)
	_, err = New(deps, Config{URLTemplate: "https://example.com/quote/{id}", SymbolPattern: "/quote/"}, nil)
	require.Error(t, err)
	_, err = New(deps, Config{URLTemplate: "https://example.com/quote/{id}", SymbolPattern: "("}, nil)
	require.Error(t, err)
	_, err = New(Deps{}, Config{URLTemplate: "https://example.com/quote/{id}"}, nil)
	require.Error(t, err)
}

// --- fakes ---

var fixedNow = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func newVisitor(t *testing.T, surface *fakeSurface, cfg Config, deps Deps) *Visitor {
	t.Helper()
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = "https://example.com/quote/{id}"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	deps.Surface = surface
	deps.Clock = fixedClock{}
	if deps.Extractor == nil {
		deps.Extractor = &fakeExtractor{}
	}
	v, err := New(deps, cfg, nil)
	require.NoError(t, err)
	return v
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type fakeSurface struct {
	mu          sync.Mutex
	opens       int
	initial     string
	locations   map[string]string
	navigations []string
	closed      []string
	neverReady  bool
	navigateErr error
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{locations: make(map[string]string)}
}

func (f *fakeSurface) Open(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	handle := fmt.Sprintf("tab-%d", f.opens)
	f.locations[handle] = f.initial
	return handle, nil
}

func (f *fakeSurface) Navigate(_ context.Context, handle, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navigateErr != nil {
		return f.navigateErr
	}
	f.navigations = append(f.navigations, url)
	f.locations[handle] = url
	return nil
}

func (f *fakeSurface) Location(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locations[handle], nil
}

func (f *fakeSurface) Ready(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.neverReady, nil
}

func (f *fakeSurface) HTML(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "<html>" + f.locations[handle] + "</html>", nil
}

func (f *fakeSurface) Close(handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, handle)
	delete(f.locations, handle)
	return nil
}

type fakeExtractor struct {
	incomplete bool
}

func (f *fakeExtractor) Extract(_ context.Context, page crawler.Page) (*crawler.Snapshot, error) {
	if f.incomplete {
		return nil, nil
	}
	return &crawler.Snapshot{
		Name:      page.Symbol.ID + " Inc.",
		Price:     decimal.RequireFromString("101.25"),
		SourceURL: page.URL,
	}, nil
}

type fakeBlobs struct {
	path        string
	contentType string
	body        string
	err         error
}

func (f *fakeBlobs) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.path, f.contentType, f.body = path, contentType, string(data)
	return "mem://" + path, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash([]byte) (string, error) { return "digest", nil }

type fakeDates struct{}

func (fakeDates) TradingDate(now time.Time) string { return now.Format("2006-01-02") }

type fakeLimiter struct {
	urls []string
	err  error
}

func (f *fakeLimiter) Wait(_ context.Context, url string) error {
	f.urls = append(f.urls, url)
	return f.err
}
