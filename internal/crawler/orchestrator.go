package crawler

import (
	"context"
	"errors"
	"mime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/metrics"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
	"github.com/JakeFAU/site-search-crawler/internal/textextract"
)

// Pipeline is the part of pipeline.Pipeline the orchestrator drives.
type Pipeline interface {
	Submit(ctx context.Context, doc document.Document) error
	Drain(ctx context.Context) (pipeline.DrainResult, error)
	Stats() pipeline.Stats
	Len() int
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	RunID     string
	Site      string
	Extractor textextract.Extractor
	Cleaner   *textextract.Cleaner
	Logger    *zap.Logger
}

// Stats is a point-in-time view of a run's counters.
type Stats struct {
	RunID        string `json:"run_id,omitempty"`
	Pages        int64  `json:"pages"`
	Fetched      int64  `json:"fetched"`
	Failed       int64  `json:"failed"`
	Skipped      int64  `json:"skipped"`
	Submitted    int64  `json:"submitted"`
	SubmitErrors int64  `json:"submit_errors"`
	Enqueued     int64  `json:"enqueued"`
	Queued       int    `json:"queued"`
	Indexed      int64  `json:"indexed"`
	Batches      int64  `json:"batches"`
	Dropped      int64  `json:"dropped"`
	Finished     bool   `json:"finished"`
}

// Orchestrator implements Handler: it turns fetched pages into documents and
// hands them to the pipeline, then drains the pipeline when the crawl ends.
type Orchestrator struct {
	pipeline  Pipeline
	extractor textextract.Extractor
	cleaner   *textextract.Cleaner
	logger    *zap.Logger
	runID     string
	site      string

	pages        atomic.Int64
	fetched      atomic.Int64
	failed       atomic.Int64
	skipped      atomic.Int64
	submitted    atomic.Int64
	submitErrors atomic.Int64
	finished     atomic.Bool

	mu   sync.Mutex
	errs *multierror.Error
}

var _ Handler = (*Orchestrator)(nil)

// NewOrchestrator builds an Orchestrator. The default extractor is used when
// cfg.Extractor is nil.
func NewOrchestrator(p Pipeline, cfg OrchestratorConfig) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("crawler: pipeline is required")
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = textextract.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunID != "" {
		logger = logger.With(zap.String("run_id", cfg.RunID))
	}
	return &Orchestrator{
		pipeline:  p,
		extractor: extractor,
		cleaner:   cfg.Cleaner,
		logger:    logger,
		runID:     cfg.RunID,
		site:      metrics.SanitizeSite(cfg.Site),
	}, nil
}

// RunID returns the run identifier stamped on logs.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// OnPageCrawled implements Handler. Pages that failed to fetch or carry no
// indexable text are logged and counted, never raised.
func (o *Orchestrator) OnPageCrawled(ctx context.Context, page *Page) {
	o.pages.Add(1)
	log := o.logger.With(zap.String("url", page.URL))

	if !page.Succeeded() {
		o.failed.Add(1)
		metrics.ObservePage(o.site, metrics.PageFailed, len(page.Body))
		log.Info("Crawl of page failed", zap.Int("status_code", page.StatusCode), zap.Error(page.Err))
		return
	}
	o.fetched.Add(1)

	text, reason := o.extract(page)
	if reason != "" {
		o.skipped.Add(1)
		metrics.ObservePage(o.site, metrics.PageSkipped, len(page.Body))
		log.Info("Skipping page", zap.String("reason", reason))
		return
	}

	doc, err := document.New(page.URL, text)
	if err != nil {
		o.skipped.Add(1)
		metrics.ObservePage(o.site, metrics.PageSkipped, len(page.Body))
		log.Info("Skipping page", zap.String("reason", err.Error()))
		return
	}
	log.Debug("Content extracted", zap.Int("chars", len(doc.Content)))

	o.submitted.Add(1)
	metrics.ObservePage(o.site, metrics.PageIndexed, len(page.Body))
	if err := o.pipeline.Submit(ctx, doc); err != nil {
		o.recordError(err)
		log.Error("Submitting page failed", zap.Error(err))
	}
}

func (o *Orchestrator) extract(page *Page) (string, string) {
	if !page.HasContent() {
		return "", "page had no content"
	}
	if !isHTML(page.ContentType) {
		return "", "not an html page"
	}
	root, err := page.Document()
	if err != nil {
		return "", err.Error()
	}
	text, ok := o.extractor.Extract(root)
	if !ok {
		return "", "no text extracted"
	}
	text = o.cleaner.Clean(text)
	if text == "" {
		return "", "no text after cleanup"
	}
	return text, ""
}

// OnCrawlFinished implements Handler. It drains the pipeline synchronously and
// returns every submission error seen during the run.
func (o *Orchestrator) OnCrawlFinished(ctx context.Context, result EngineResult) error {
	defer o.finished.Store(true)

	drained, err := o.pipeline.Drain(ctx)
	if err != nil {
		o.recordError(err)
	}

	stats := o.Stats()
	fields := []zap.Field{
		zap.String("root_url", result.RootURL),
		zap.Int64("pages", stats.Pages),
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("batches", stats.Batches),
		zap.Int("drain_flushes", drained.Flushes),
		zap.Int("leftover", drained.Leftover),
	}
	runErr := o.Err()
	if runErr != nil || result.Err != nil {
		o.logger.Error("Crawl completed with error", append(fields, zap.NamedError("crawl_error", result.Err), zap.Error(runErr))...)
	} else {
		o.logger.Info("Crawl completed without error", fields...)
	}
	return runErr
}

// Stats returns the current counters merged with the pipeline's totals.
func (o *Orchestrator) Stats() Stats {
	ps := o.pipeline.Stats()
	return Stats{
		RunID:        o.runID,
		Pages:        o.pages.Load(),
		Fetched:      o.fetched.Load(),
		Failed:       o.failed.Load(),
		Skipped:      o.skipped.Load(),
		Submitted:    o.submitted.Load(),
		SubmitErrors: o.submitErrors.Load(),
		Enqueued:     ps.Enqueued,
		Queued:       o.pipeline.Len(),
		Indexed:      ps.Indexed,
		Batches:      ps.Batches,
		Dropped:      ps.Dropped,
		Finished:     o.finished.Load(),
	}
}

// Finished reports whether OnCrawlFinished has completed.
func (o *Orchestrator) Finished() bool {
	return o.finished.Load()
}

// Err returns the submission errors recorded so far, or nil.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errs.ErrorOrNil()
}

func (o *Orchestrator) recordError(err error) {
	o.submitErrors.Add(1)
	o.mu.Lock()
	o.errs = multierror.Append(o.errs, err)
	o.mu.Unlock()
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
