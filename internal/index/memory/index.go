// Package memory keeps indexed documents in-process for development, dry runs
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
)

// Index is an in-memory upsert store that also records every batch it receives.
type Index struct {
	mu      sync.RWMutex
	docs    map[string]document.Document
	batches [][]document.Document
	failErr error
}

var _ pipeline.Indexer = (*Index)(nil)

// New creates an empty in-memory index.
func New() *Index {
	return &Index{docs: make(map[string]document.Document)}
}

// IndexBatch stores docs keyed by ID. A later document with the same ID
// replaces the earlier one.
func (i *Index) IndexBatch(ctx context.Context, docs []document.Document) (pipeline.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.BatchResult{}, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	i.batches = append(i.batches, append([]document.Document(nil), docs...))
	if i.failErr != nil {
		return pipeline.BatchResult{Submitted: len(docs)}, i.failErr
	}
	for _, d := range docs {
		i.docs[d.ID] = d
	}
	return pipeline.BatchResult{Submitted: len(docs), Succeeded: len(docs)}, nil
}

// FailWith makes every subsequent IndexBatch call return err. Pass nil to
// restore normal behavior.
func (i *Index) FailWith(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failErr = err
}

// Get returns the stored document for id.
func (i *Index) Get(id string) (document.Document, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	d, ok := i.docs[id]
	return d, ok
}

// Len reports the number of distinct stored documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

// Batches returns a copy of every batch received, in submission order.
func (i *Index) Batches() [][]document.Document {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([][]document.Document, len(i.batches))
	copy(out, i.batches)
	return out
}

// URLs returns the stored document URLs, sorted.
func (i *Index) URLs() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, 0, len(i.docs))
	for _, d := range i.docs {
		out = append(out, d.URL)
	}
	sort.Strings(out)
	return out
}

// Close is a no-op.
func (i *Index) Close() error {
	return nil
}
