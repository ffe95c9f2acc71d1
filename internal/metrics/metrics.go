// Package metrics exposes Prometheus collectors for the crawl and indexing pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes recorded by ObservePage.
const (
	PageIndexed = "indexed"
	PageFailed  = "failed"
	PageSkipped = "skipped"
)

// Batch outcomes recorded by ObserveBatch.
const (
	BatchSucceeded = "succeeded"
	BatchPartial   = "partial"
	BatchFailed    = "failed"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	pipelineDocumentsTotal     prometheus.Counter
	pipelineQueueDepth         prometheus.Gauge
	pipelineBatchesTotal       *prometheus.CounterVec
	pipelineBatchSize          prometheus.Histogram
	pipelineFlushSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of crawled pages, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		pipelineDocumentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_documents_enqueued_total",
				Help: "Total number of documents accepted into the intake queue.",
			},
		)

		pipelineQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexer_queue_depth",
				Help: "Documents waiting in the intake queue.",
			},
		)

		pipelineBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_batches_total",
				Help: "Total number of batch submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pipelineBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_batch_size",
				Help:    "Number of documents per submitted batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
			},
		)

		pipelineFlushSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexer_flush_duration_seconds",
				Help:    "Time spent holding the flush guard, including the index submission.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one crawled page and its size.
func ObservePage(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveEnqueued records a document entering the intake queue.
func ObserveEnqueued(depth int) {
	Init()
	pipelineDocumentsTotal.Inc()
	pipelineQueueDepth.Set(float64(depth))
}

// SetQueueDepth reports the current intake queue length.
func SetQueueDepth(depth int) {
	Init()
	pipelineQueueDepth.Set(float64(depth))
}

// ObserveBatch records one batch submission.
func ObserveBatch(outcome string, size int, duration time.Duration) {
	Init()
	pipelineBatchesTotal.WithLabelValues(outcome).Inc()
	pipelineBatchSize.Observe(float64(size))
	pipelineFlushSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
