package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu       sync.Mutex
	pages    map[string]*Page
	finished int
	result   EngineResult
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{pages: make(map[string]*Page)}
}

func (h *recordingHandler) OnPageCrawled(_ context.Context, page *Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[page.URL] = page
}

func (h *recordingHandler) OnCrawlFinished(_ context.Context, result EngineResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished++
	h.result = result
	return nil
}

func (h *recordingHandler) paths(t *testing.T) []string {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.pages))
	for raw := range h.pages {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		out = append(out, u.Path)
	}
	sort.Strings(out)
	return out
}

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/":  `<a href="/a">A</a> <a href="/b#top">B</a> <a href="/missing">gone</a> <a href="http://elsewhere.test/x">ext</a> <a href="/#again">home</a>`,
		"/a": `<p>Alpha</p><a href="/b">B</a><a href="c">C</a>`,
		"/b": `<p>Beta</p>`,
		"/c": `<p>Gamma</p><a href="/">home</a>`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body>%s</body></html>", body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestEngine(t *testing.T, cfg EngineConfig) *CollyEngine {
	t.Helper()
	cfg.Parallelism = 2
	engine, err := NewCollyEngine(cfg, zap.NewNop())
	require.NoError(t, err)
	return engine
}

func TestCollyEngineCrawlsSite(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	engine := newTestEngine(t, EngineConfig{MaxPages: 20})
	handler := newRecordingHandler()

	result, err := engine.Crawl(context.Background(), site.URL, handler)
	require.NoError(t, err)
	require.NoError(t, result.Err)

	assert.Equal(t, []string{"/", "/a", "/b", "/c", "/missing"}, handler.paths(t))
	assert.Equal(t, 1, handler.finished)
	assert.Equal(t, 5, result.Requested)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	missing := handler.pages[site.URL+"/missing"]
	require.NotNil(t, missing)
	assert.False(t, missing.Succeeded())
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	home := handler.pages[site.URL+"/"]
	require.NotNil(t, home)
	assert.True(t, home.Succeeded())
	assert.Contains(t, home.ContentType, "text/html")
}

func TestCollyEngineStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	engine := newTestEngine(t, EngineConfig{MaxPages: 2})
	handler := newRecordingHandler()

	result, err := engine.Crawl(context.Background(), site.URL, handler)
	require.NoError(t, err)
	assert.Len(t, handler.paths(t), 2)
	assert.Equal(t, 2, result.Requested)
	assert.Equal(t, 1, handler.finished)
}

func TestCollyEngineRespectsDepth(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	engine := newTestEngine(t, EngineConfig{MaxPages: 20, MaxDepth: 1})
	handler := newRecordingHandler()

	_, err := engine.Crawl(context.Background(), site.URL, handler)
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, handler.paths(t))
}

func TestCollyEngineBlockedRoot(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	engine := newTestEngine(t, EngineConfig{MaxPages: 5, BlockedDomains: []string{"127.0.0.1"}})
	handler := newRecordingHandler()

	result, err := engine.Crawl(context.Background(), site.URL, handler)
	require.NoError(t, err)
	assert.Empty(t, handler.paths(t))
	assert.Zero(t, result.Requested)
	assert.Equal(t, 1, handler.finished, "finish fires even when nothing was fetched")
}

func TestCollyEngineInvalidRoot(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, EngineConfig{})
	handler := newRecordingHandler()
	result, err := engine.Crawl(context.Background(), "mailto:someone@example.com", handler)
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, ErrInvalidRoot)
	assert.Equal(t, 1, handler.finished)
	assert.ErrorIs(t, handler.result.Err, ErrInvalidRoot)
	assert.Empty(t, handler.paths(t))
}

// stallingHandler holds every page until the context it was handed is done,
// like a producer stuck behind a full intake queue.
type stallingHandler struct {
	*recordingHandler
}

func (h stallingHandler) OnPageCrawled(ctx context.Context, page *Page) {
	<-ctx.Done()
	h.recordingHandler.OnPageCrawled(ctx, page)
}

func TestCollyEngineCrawlTimeoutReleasesStalledHandler(t *testing.T) {
	t.Parallel()

	site := newTestSite(t)
	engine := newTestEngine(t, EngineConfig{MaxPages: 20, CrawlTimeout: 200 * time.Millisecond})
	handler := stallingHandler{newRecordingHandler()}

	done := make(chan EngineResult, 1)
	go func() {
		result, err := engine.Crawl(context.Background(), site.URL, handler)
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case result := <-done:
		require.ErrorIs(t, result.Err, context.DeadlineExceeded)
		assert.Equal(t, 1, handler.finished)
	case <-time.After(10 * time.Second):
		t.Fatal("crawl did not stop at its timeout")
	}
}

func TestCollyEngineCountsFetchesCutOffByTimeout(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(site.Close)

	engine := newTestEngine(t, EngineConfig{MaxPages: 5, CrawlTimeout: 100 * time.Millisecond})
	handler := newRecordingHandler()

	result, err := engine.Crawl(context.Background(), site.URL, handler)
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, context.DeadlineExceeded)

	require.Equal(t, []string{"/"}, handler.paths(t))
	handler.mu.Lock()
	defer handler.mu.Unlock()
	for _, page := range handler.pages {
		assert.False(t, page.Succeeded())
		assert.Error(t, page.Err)
	}
}

func TestNewCollyEngineDefaults(t *testing.T) {
	t.Parallel()

	engine, err := NewCollyEngine(EngineConfig{MaxPages: 3, Delay: -1}, nil)
	require.NoError(t, err)
	cfg := engine.Config()
	assert.Equal(t, defaultParallelism, cfg.Parallelism)
	assert.Equal(t, defaultDelay, cfg.Delay)
	assert.Equal(t, defaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, 3*crawlSecondsPerPage, int(cfg.CrawlTimeout.Seconds()))
	assert.Equal(t, defaultUserAgent, cfg.UserAgent)

	_, err = NewCollyEngine(EngineConfig{MaxPages: -1}, nil)
	require.Error(t, err)
}
