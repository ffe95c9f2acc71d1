package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-search-crawler/internal/document"
)

func doc(t *testing.T, i int) document.Document {
	t.Helper()
	d, err := document.New(fmt.Sprintf("https://example.com/%d", i), fmt.Sprintf("page %d", i))
	require.NoError(t, err)
	return d
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), doc(t, i)))
	}
	require.Equal(t, 5, q.Len())

	first := q.Take(3)
	require.Len(t, first, 3)
	for i, d := range first {
		assert.Equal(t, fmt.Sprintf("https://example.com/%d", i), d.URL)
	}
	rest := q.Take(10)
	require.Len(t, rest, 2)
	assert.Equal(t, "https://example.com/3", rest[0].URL)
	assert.Nil(t, q.Take(1))
	assert.Nil(t, q.Take(0))
}

func TestQueueRequeuePreservesOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(context.Background(), doc(t, i)))
	}
	batch := q.Take(2)
	q.Requeue(batch)
	q.Requeue(nil)

	all := q.Take(4)
	require.Len(t, all, 4)
	for i, d := range all {
		assert.Equal(t, fmt.Sprintf("https://example.com/%d", i), d.URL)
	}
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	docs := make([]document.Document, 200)
	for i := range docs {
		docs[i] = doc(t, i)
	}
	var wg sync.WaitGroup
	for _, d := range docs {
		wg.Add(1)
		go func(d document.Document) {
			defer wg.Done()
			assert.NoError(t, q.Enqueue(context.Background(), d))
		}(d)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	for _, d := range q.Take(1000) {
		seen[d.ID] = struct{}{}
	}
	assert.Len(t, seen, 200)
}

func TestQueueBoundedBlocksUntilTake(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), doc(t, 0)))

	next := doc(t, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), next)
	}()

	select {
	case err := <-done:
		t.Fatalf("enqueue should block on a full queue, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.Len(t, q.Take(1), 1)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after take")
	}
	assert.Equal(t, 1, q.Len())
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), doc(t, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Enqueue(ctx, doc(t, 1))
	require.Error(t, err)
	assert.Equal(t, "enqueue canceled: context canceled", err.Error())
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	require.NoError(t, q.Enqueue(context.Background(), doc(t, 0)))
	q.Close()
	require.ErrorIs(t, q.Enqueue(context.Background(), doc(t, 1)), ErrClosed)
	assert.Len(t, q.Take(5), 1, "queued documents survive close")
	// Closing twice should be safe.
	q.Close()
}
