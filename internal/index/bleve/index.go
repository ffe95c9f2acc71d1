// Package bleve indexes documents into a local bleve full-text index.
//
// A persistent index directory is guarded by an exclusive lock file so two
// crawler runs cannot write into the same index at once.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	blevesearch "github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/gofrs/flock"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
)

// ErrLocked is returned when another process holds the index lock.
var ErrLocked = errors.New("bleve index is locked by another process")

const lockFileName = ".crawler.lock"

// Config controls where the index lives. An empty Path keeps the index in memory.
type Config struct {
	Path string
}

// Index is a bleve-backed pipeline.Indexer.
type Index struct {
	mu     sync.Mutex
	index  blevesearch.Index
	lock   *flock.Flock
	closed bool
}

var _ pipeline.Indexer = (*Index)(nil)

// indexedDoc is the stored shape. The document id is the bleve doc id.
type indexedDoc struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Open opens the index at cfg.Path, creating it when missing.
func Open(cfg Config) (*Index, error) {
	if cfg.Path == "" {
		idx, err := blevesearch.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create index parent dir: %w", err)
	}
	lock := flock.New(cfg.Path + lockFileName)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire index lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
	}

	idx, err := blevesearch.Open(cfg.Path)
	if errors.Is(err, blevesearch.ErrorIndexPathDoesNotExist) {
		idx, err = blevesearch.New(cfg.Path, newMapping())
	}
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open bleve index %s: %w", cfg.Path, err)
	}
	return &Index{index: idx, lock: lock}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	docMapping := blevesearch.NewDocumentMapping()

	urlField := blevesearch.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("url", urlField)

	contentField := blevesearch.NewTextFieldMapping()
	contentField.Store = false
	docMapping.AddFieldMappingsAt("content", contentField)

	m := blevesearch.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m
}

// IndexBatch upserts docs in one bleve batch.
func (i *Index) IndexBatch(ctx context.Context, docs []document.Document) (pipeline.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.BatchResult{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return pipeline.BatchResult{}, errors.New("bleve index is closed")
	}

	batch := i.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, indexedDoc{URL: d.URL, Content: d.Content}); err != nil {
			return pipeline.BatchResult{Submitted: len(docs)}, fmt.Errorf("index document %s: %w", d.ID, err)
		}
	}
	if err := i.index.Batch(batch); err != nil {
		return pipeline.BatchResult{Submitted: len(docs)}, fmt.Errorf("execute batch: %w", err)
	}
	return pipeline.BatchResult{Submitted: len(docs), Succeeded: len(docs)}, nil
}

// Count returns the number of documents in the index.
func (i *Index) Count() (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.DocCount()
}

// Search runs a match query against page content and returns matching ids.
func (i *Index) Search(ctx context.Context, query string, limit int) ([]string, error) {
	q := blevesearch.NewMatchQuery(query)
	q.SetField("content")
	req := blevesearch.NewSearchRequest(q)
	if limit > 0 {
		req.Size = limit
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	ids := make([]string, len(res.Hits))
	for n, hit := range res.Hits {
		ids[n] = hit.ID
	}
	return ids, nil
}

// Close closes the index and releases the directory lock.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.index.Close()
	if i.lock != nil {
		if unlockErr := i.lock.Unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("release index lock: %w", unlockErr)
		}
	}
	return err
}
