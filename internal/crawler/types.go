package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/JakeFAU/site-search-crawler/internal/textextract"
)

// ErrInvalidRoot is returned when the crawl root is not an absolute http(s) URL.
var ErrInvalidRoot = errors.New("root url must be an absolute http or https url")

// Engine crawls a site from root and reports pages to handler. Implementations
// call OnPageCrawled concurrently and OnCrawlFinished exactly once, after
// every OnPageCrawled call has returned.
type Engine interface {
	Crawl(ctx context.Context, root string, handler Handler) (EngineResult, error)
}

// Handler receives crawl events. OnPageCrawled must be safe for concurrent use.
type Handler interface {
	OnPageCrawled(ctx context.Context, page *Page)
	OnCrawlFinished(ctx context.Context, result EngineResult) error
}

// EngineResult describes how the crawl itself ended.
type EngineResult struct {
	RootURL   string
	Requested int
	Err       error
	Duration  time.Duration
}

// Page is one fetch reported by an Engine.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Err         error

	parseOnce sync.Once
	doc       *html.Node
	parseErr  error
}

// NewPage builds a Page. Pages are passed by pointer so the parsed document is
// shared by everything that inspects the page.
func NewPage(url string, status int, contentType string, body []byte, err error) *Page {
	return &Page{URL: url, StatusCode: status, ContentType: contentType, Body: body, Err: err}
}

// Succeeded reports whether the fetch completed with a 200 response.
func (p *Page) Succeeded() bool {
	return p.Err == nil && p.StatusCode == http.StatusOK
}

// HasContent reports whether the response carried any body at all.
func (p *Page) HasContent() bool {
	return len(p.Body) > 0
}

// Document parses the body on first use. The returned tree may be mutated by
// text extraction.
func (p *Page) Document() (*html.Node, error) {
	p.parseOnce.Do(func() {
		p.doc, p.parseErr = textextract.ParseHTML(p.Body)
	})
	return p.doc, p.parseErr
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
