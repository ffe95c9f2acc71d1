// Package azuresearch indexes documents into an Azure AI Search index through
// its REST API, using mergeOrUpload so repeated pages overwrite by key.
package azuresearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
)

const (
	// DefaultAPIVersion is the data-plane API version sent with each request.
	DefaultAPIVersion = "2023-11-01"

	actionMergeOrUpload = "mergeOrUpload"
)

// Config identifies the search service and index.
type Config struct {
	// ServiceName builds https://<name>.search.windows.net when Endpoint is empty.
	ServiceName string
	Endpoint    string
	IndexName   string
	APIKey      string
	APIVersion  string
	Timeout     time.Duration
	MaxRetries  int
	Logger      *zap.Logger
}

// Index is an Azure AI Search pipeline.Indexer.
type Index struct {
	client     *retryablehttp.Client
	url        string
	apiKey     string
	apiVersion string
}

var _ pipeline.Indexer = (*Index)(nil)

type indexAction struct {
	Action  string `json:"@search.action"`
	ID      string `json:"id"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type indexRequest struct {
	Value []indexAction `json:"value"`
}

type indexingResult struct {
	Key          string `json:"key"`
	Status       bool   `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	StatusCode   int    `json:"statusCode"`
}

type indexResponse struct {
	Value []indexingResult `json:"value"`
}

// New validates cfg and builds a client. It does not contact the service.
func New(cfg Config) (*Index, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		if cfg.ServiceName == "" {
			return nil, fmt.Errorf("index.azure.service_name or index.azure.endpoint is required")
		}
		endpoint = fmt.Sprintf("https://%s.search.windows.net", cfg.ServiceName)
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("index.azure.index_name is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("index.azure.api_key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	if cfg.MaxRetries >= 0 {
		client.RetryMax = cfg.MaxRetries
	}
	client.Logger = leveledLogger{logger: loggerOrNop(cfg.Logger)}

	return &Index{
		client:     client,
		url:        fmt.Sprintf("%s/indexes/%s/docs/index", endpoint, url.PathEscape(cfg.IndexName)),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
	}, nil
}

// IndexBatch sends one mergeOrUpload request. A 207 response carries per-key
// status and is reported as a partial failure.
func (i *Index) IndexBatch(ctx context.Context, docs []document.Document) (pipeline.BatchResult, error) {
	res := pipeline.BatchResult{Submitted: len(docs)}
	payload := indexRequest{Value: make([]indexAction, len(docs))}
	for n, d := range docs {
		payload.Value[n] = indexAction{Action: actionMergeOrUpload, ID: d.ID, URL: d.URL, Content: d.Content}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return res, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, i.url+"?api-version="+url.QueryEscape(i.apiVersion), bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", i.apiKey)

	resp, err := i.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
	default:
		return res, fmt.Errorf("azure search returned %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	var out indexResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return res, fmt.Errorf("decode response: %w", err)
	}
	for _, r := range out.Value {
		if r.Status {
			res.Succeeded++
			continue
		}
		res.Failed = append(res.Failed, r.Key)
	}
	if len(out.Value) == 0 && resp.StatusCode == http.StatusOK {
		res.Succeeded = len(docs)
	}
	return res, nil
}

// Close releases idle connections.
func (i *Index) Close() error {
	i.client.HTTPClient.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// leveledLogger routes retryablehttp's logging into zap.
type leveledLogger struct {
	logger *zap.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	l.logger.Sugar().Errorw(msg, kv...)
}

func (l leveledLogger) Info(msg string, kv ...interface{}) {
	l.logger.Sugar().Infow(msg, kv...)
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	l.logger.Sugar().Debugw(msg, kv...)
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	l.logger.Sugar().Warnw(msg, kv...)
}
