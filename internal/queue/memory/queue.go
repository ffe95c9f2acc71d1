// Package memory provides the in-process intake queue used by the indexing pipeline.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-search-crawler/internal/document"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of documents safe for concurrent producers and consumers.
// With capacity 0 it is unbounded and Enqueue never blocks; a positive
// capacity makes Enqueue wait for room, which applies backpressure to crawl
// workers.
type Queue struct {
	mu       sync.Mutex
	items    []document.Document
	capacity int
	space    chan struct{}
	closed   bool
}

// NewQueue constructs a queue. capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		capacity: capacity,
		space:    make(chan struct{}),
	}
}

// Enqueue appends doc at the tail, waiting for room when the queue is bounded
// and full.
func (q *Queue) Enqueue(ctx context.Context, doc document.Document) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, doc)
			q.mu.Unlock()
			return nil
		}
		wait := q.space
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Take removes and returns up to n documents from the head, oldest first.
// It never blocks and returns nil when the queue is empty.
func (q *Queue) Take(n int) []document.Document {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]document.Document, n)
	copy(out, q.items[:n])
	remaining := make([]document.Document, len(q.items)-n)
	copy(remaining, q.items[n:])
	q.items = remaining
	q.signalSpace()
	return out
}

// Requeue puts docs back at the head in their original order. Capacity is
// ignored so a failed batch can always be returned.
func (q *Queue) Requeue(docs []document.Document) {
	if len(docs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]document.Document, 0, len(docs)+len(q.items))
	merged = append(merged, docs...)
	merged = append(merged, q.items...)
	q.items = merged
}

// Len reports the number of queued documents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Enqueue calls and wakes blocked producers. Queued
// documents remain available to Take.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalSpace()
}

// signalSpace wakes every waiting producer. Callers hold q.mu.
func (q *Queue) signalSpace() {
	close(q.space)
	q.space = make(chan struct{})
}
