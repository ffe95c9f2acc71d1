// Package document defines the unit of work that flows through the indexing pipeline.
package document

import (
	"errors"
	"strings"

	"github.com/JakeFAU/site-search-crawler/internal/hash/sha256"
)

var (
	// ErrEmptyURL is returned when a document is built without a source URL.
	ErrEmptyURL = errors.New("document url is required")
	// ErrEmptyContent is returned when the extracted text is empty. Callers treat
	// it as "nothing to index".
	ErrEmptyContent = errors.New("document content is empty")
)

// Document is one crawled page ready for indexing. Values are never mutated
// after construction; copy semantics make them safe to share across goroutines.
type Document struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// New builds a Document keyed by the SHA-256 of its URL.
func New(url, content string) (Document, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Document{}, ErrEmptyURL
	}
	if strings.TrimSpace(content) == "" {
		return Document{}, ErrEmptyContent
	}
	return Document{
		ID:      KeyFor(url),
		URL:     url,
		Content: content,
	}, nil
}

// KeyFor returns the index key for url.
func KeyFor(url string) string {
	return sha256.Sum(url)
}

// IDs returns the keys of docs in order.
func IDs(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
