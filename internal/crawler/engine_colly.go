package crawler

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	defaultParallelism    = 5
	defaultDelay          = 100 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
	defaultMaxBodyBytes   = 10 << 20
	defaultUserAgent      = "site-search-crawler/1.0"
	crawlSecondsPerPage   = 10
)

// EngineConfig controls the colly collector.
type EngineConfig struct {
	MaxPages       int
	MaxDepth       int
	Parallelism    int
	Delay          time.Duration
	RandomDelay    time.Duration
	RequestTimeout time.Duration
	// CrawlTimeout bounds the whole crawl. Zero means MaxPages * 10s, or no
	// bound when MaxPages is also zero.
	CrawlTimeout   time.Duration
	UserAgent      string
	RespectRobots  bool
	ExtraDomains   []string
	BlockedDomains []string
	MaxBodyBytes   int
}

// CollyEngine implements Engine with gocolly.
type CollyEngine struct {
	cfg       EngineConfig
	blocklist *hostBlocklist
	logger    *zap.Logger
}

var _ Engine = (*CollyEngine)(nil)

// NewCollyEngine applies defaults to cfg and returns an engine.
func NewCollyEngine(cfg EngineConfig, logger *zap.Logger) (*CollyEngine, error) {
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("max pages must be >= 0")
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be >= 0")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	if cfg.Delay < 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.CrawlTimeout <= 0 && cfg.MaxPages > 0 {
		cfg.CrawlTimeout = time.Duration(cfg.MaxPages*crawlSecondsPerPage) * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollyEngine{
		cfg:       cfg,
		blocklist: newHostBlocklist(cfg.BlockedDomains),
		logger:    logger,
	}, nil
}

// Config returns the effective configuration.
func (e *CollyEngine) Config() EngineConfig {
	return e.cfg
}

// Crawl visits root and every same-site link reachable from it, up to the
// configured page and depth limits. Pages are reported from colly's worker
// goroutines; OnCrawlFinished runs on the calling goroutine after they stop.
func (e *CollyEngine) Crawl(ctx context.Context, root string, handler Handler) (EngineResult, error) {
	start := time.Now()
	rootURL, err := ParseRoot(root)
	if err != nil {
		return e.abort(ctx, handler, EngineResult{RootURL: root}, err, start)
	}
	result := EngineResult{RootURL: rootURL.String()}

	crawlCtx := ctx
	if e.cfg.CrawlTimeout > 0 {
		var cancel context.CancelFunc
		crawlCtx, cancel = context.WithTimeout(ctx, e.cfg.CrawlTimeout)
		defer cancel()
	}

	// budget reserves page slots; dispatched counts requests that went out.
	var budget, dispatched atomic.Int64
	collector, err := e.newCollector(crawlCtx, rootURL.Hostname())
	if err != nil {
		return e.abort(ctx, handler, result, err, start)
	}

	collector.OnRequest(func(r *colly.Request) {
		if crawlCtx.Err() != nil || e.blocklist.Blocks(r.URL.Hostname()) {
			r.Abort()
			return
		}
		if e.cfg.MaxPages > 0 && budget.Add(1) > int64(e.cfg.MaxPages) {
			r.Abort()
			return
		}
		dispatched.Add(1)
		e.logger.Debug("Fetching page", zap.String("url", r.URL.String()), zap.Int("depth", r.Depth))
	})

	collector.OnResponse(func(r *colly.Response) {
		page := NewPage(r.Request.URL.String(), r.StatusCode, r.Headers.Get("Content-Type"), r.Body, nil)
		handler.OnPageCrawled(crawlCtx, page)
	})

	collector.OnError(func(r *colly.Response, fetchErr error) {
		if fetchErr == nil {
			fetchErr = fmt.Errorf("unexpected status %d", r.StatusCode)
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		page := NewPage(r.Request.URL.String(), r.StatusCode, contentType, r.Body, fetchErr)
		handler.OnPageCrawled(crawlCtx, page)
	})

	collector.OnHTML("a[href]", func(el *colly.HTMLElement) {
		if e.cfg.MaxPages > 0 && budget.Load() >= int64(e.cfg.MaxPages) {
			return
		}
		link := el.Request.AbsoluteURL(el.Attr("href"))
		if link == "" {
			return
		}
		normalized, err := NormalizeURL(link)
		if err != nil {
			return
		}
		if err := el.Request.Visit(normalized); err != nil {
			e.logger.Debug("Link not followed", zap.String("url", normalized), zap.Error(err))
		}
	})

	if err := collector.Visit(rootURL.String()); err != nil {
		result.Err = fmt.Errorf("visit root: %w", err)
	}
	collector.Wait()

	if result.Err == nil && crawlCtx.Err() != nil {
		result.Err = fmt.Errorf("crawl stopped: %w", crawlCtx.Err())
	}
	result.Requested = int(dispatched.Load())
	result.Duration = time.Since(start)

	e.logger.Info("Crawl completed",
		zap.String("root_url", result.RootURL),
		zap.Int("pages", result.Requested),
		zap.Duration("duration", result.Duration),
		zap.Error(result.Err),
	)
	return result, handler.OnCrawlFinished(ctx, result)
}

// abort ends a crawl that never started. The handler still sees OnCrawlFinished.
func (e *CollyEngine) abort(ctx context.Context, handler Handler, result EngineResult, err error, start time.Time) (EngineResult, error) {
	result.Err = err
	result.Duration = time.Since(start)
	e.logger.Error("Crawl could not start", zap.String("root_url", result.RootURL), zap.Error(err))
	return result, handler.OnCrawlFinished(ctx, result)
}

func (e *CollyEngine) newCollector(ctx context.Context, host string) (*colly.Collector, error) {
	domains := append([]string{host}, e.cfg.ExtraDomains...)
	c := colly.NewCollector(
		colly.AllowedDomains(domains...),
		colly.MaxDepth(e.cfg.MaxDepth),
		colly.UserAgent(e.cfg.UserAgent),
		colly.Async(true),
		colly.MaxBodySize(e.cfg.MaxBodyBytes),
		colly.StdlibContext(ctx),
	)
	c.AllowURLRevisit = false
	c.IgnoreRobotsTxt = !e.cfg.RespectRobots
	c.SetRequestTimeout(e.cfg.RequestTimeout)
	c.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   e.cfg.Parallelism * 2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: e.cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: e.cfg.Parallelism,
		Delay:       e.cfg.Delay,
		RandomDelay: e.cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}
	return c, nil
}
