package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/metrics"
)

// recordingIndexer captures every batch and tracks overlapping submissions.
type recordingIndexer struct {
	mu       sync.Mutex
	batches  [][]document.Document
	failures map[int]error
	rejects  map[int][]string
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (r *recordingIndexer) IndexBatch(ctx context.Context, docs []document.Document) (BatchResult, error) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		cur := r.maxInflight.Load()
		if n <= cur || r.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	call := len(r.batches)
	r.batches = append(r.batches, append([]document.Document(nil), docs...))
	if err := r.failures[call]; err != nil {
		return BatchResult{}, err
	}
	if keys := r.rejects[call]; len(keys) > 0 {
		return BatchResult{Submitted: len(docs), Succeeded: len(docs) - len(keys), Failed: keys}, nil
	}
	return BatchResult{Submitted: len(docs), Succeeded: len(docs)}, nil
}

func (r *recordingIndexer) Batches() [][]document.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]document.Document(nil), r.batches...)
}

func makeDocs(t *testing.T, n int) []document.Document {
	t.Helper()
	out := make([]document.Document, n)
	for i := range out {
		d, err := document.New(fmt.Sprintf("https://example.com/page/%d", i), fmt.Sprintf("content %d", i))
		require.NoError(t, err)
		out[i] = d
	}
	return out
}

func newPipeline(t *testing.T, idx Indexer, cfg Config) *Pipeline {
	t.Helper()
	p, err := New(idx, cfg)
	require.NoError(t, err)
	return p
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	p := newPipeline(t, &recordingIndexer{}, Config{})
	assert.Equal(t, DefaultBatchSize, p.BatchSize())
	assert.Equal(t, BestEffort, p.Mode())

	_, err := New(nil, Config{})
	require.Error(t, err)
	_, err = New(&recordingIndexer{}, Config{Mode: "sometimes"})
	require.Error(t, err)
	_, err = New(&recordingIndexer{}, Config{MaxBatchesPerSecond: -1})
	require.Error(t, err)
}

func TestNewRejectsQueueCapacityAtOrBelowBatchSize(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{-1, 1, 10, 25} {
		_, err := New(&recordingIndexer{}, Config{BatchSize: 25, QueueCapacity: capacity})
		require.Error(t, err, "capacity %d", capacity)
	}
	_, err := New(&recordingIndexer{}, Config{QueueCapacity: DefaultBatchSize})
	require.Error(t, err, "capacity is checked against the defaulted batch size")

	p := newPipeline(t, &recordingIndexer{}, Config{BatchSize: 25, QueueCapacity: 26})
	assert.Equal(t, 25, p.BatchSize())
}

func TestBoundedQueueKeepsFlushing(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{}
	p := newPipeline(t, idx, Config{BatchSize: 5, QueueCapacity: 6})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	docs := makeDocs(t, 40)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(docs); i += 4 {
				if err := p.Submit(gctx, docs[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	_, err := p.Drain(ctx)
	require.NoError(t, err)
	seen := 0
	for _, b := range idx.Batches() {
		assert.LessOrEqual(t, len(b), 5)
		seen += len(b)
	}
	assert.Equal(t, 40, seen)
	assert.Equal(t, int64(40), p.Stats().Indexed)
}

func TestThirtyPagesProduceTwoBatches(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{}
	p := newPipeline(t, idx, Config{BatchSize: 25})
	ctx := context.Background()

	for _, d := range makeDocs(t, 30) {
		require.NoError(t, p.Submit(ctx, d))
	}
	require.Len(t, idx.Batches(), 1, "exactly one threshold flush during the crawl")
	assert.Len(t, idx.Batches()[0], 25)
	assert.Equal(t, 5, p.Len())

	res, err := p.Drain(ctx)
	require.NoError(t, err)
	batches := idx.Batches()
	require.Len(t, batches, 2)
	assert.Len(t, batches[1], 5)
	assert.Equal(t, DrainResult{Flushes: 1, Documents: 5, Indexed: 5}, res)
	assert.Equal(t, Stats{Enqueued: 30, Batches: 2, Indexed: 30}, p.Stats())
}

func TestBatchesArePrefixesOfEnqueueOrder(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{}
	p := newPipeline(t, idx, Config{BatchSize: 4})
	ctx := context.Background()
	docs := makeDocs(t, 23)

	for _, d := range docs {
		require.NoError(t, p.Submit(ctx, d))
	}
	_, err := p.Drain(ctx)
	require.NoError(t, err)

	var flattened []document.Document
	for _, b := range idx.Batches() {
		assert.LessOrEqual(t, len(b), 4)
		flattened = append(flattened, b...)
	}
	assert.Equal(t, docs, flattened)
}

func TestDrainEmptyQueueSubmitsNothing(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{}
	p := newPipeline(t, idx, Config{})

	flush, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.False(t, flush.Submitted)

	res, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{}, res)
	assert.Empty(t, idx.Batches())
}

func TestConcurrentSubmitAndFlushIndexEachDocumentOnce(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{delay: time.Millisecond}
	p := newPipeline(t, idx, Config{BatchSize: 7})
	ctx := context.Background()
	docs := makeDocs(t, 400)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		chunk := docs[w*50 : (w+1)*50]
		g.Go(func() error {
			for _, d := range chunk {
				if err := p.Submit(gctx, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for f := 0; f < 8; f++ {
		g.Go(func() error {
			for i := 0; i < 10; i++ {
				if _, err := p.Flush(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	_, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, p.Len())

	seen := make(map[string]int)
	for _, b := range idx.Batches() {
		assert.LessOrEqual(t, len(b), 7)
		for _, d := range b {
			seen[d.ID]++
		}
	}
	require.Len(t, seen, len(docs))
	for id, count := range seen {
		assert.Equal(t, 1, count, "document %s indexed more than once", id)
	}
	assert.Equal(t, int32(1), idx.maxInflight.Load(), "submissions must never overlap")
}

func TestBestEffortDropsFailedBatch(t *testing.T) {
	t.Parallel()

	boom := errors.New("index unavailable")
	idx := &recordingIndexer{failures: map[int]error{0: boom}}
	p := newPipeline(t, idx, Config{BatchSize: 2})
	ctx := context.Background()
	docs := makeDocs(t, 6)

	require.NoError(t, p.Submit(ctx, docs[0]))
	require.NoError(t, p.Submit(ctx, docs[1]))
	err := p.Submit(ctx, docs[2])
	require.ErrorIs(t, err, boom, "threshold flush failure surfaces to the submitter")

	for _, d := range docs[3:] {
		require.NoError(t, p.Submit(ctx, d), "crawl keeps enqueuing after a failed flush")
	}
	_, err = p.Drain(ctx)
	require.NoError(t, err)

	var indexed []document.Document
	for _, b := range idx.Batches()[1:] {
		indexed = append(indexed, b...)
	}
	assert.Equal(t, docs[2:], indexed)
	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(1), stats.FailedBatches)
	assert.Equal(t, int64(4), stats.Indexed)
}

func TestAtLeastOnceRequeuesFailedBatch(t *testing.T) {
	t.Parallel()

	boom := errors.New("index unavailable")
	idx := &recordingIndexer{failures: map[int]error{0: boom}}
	p := newPipeline(t, idx, Config{BatchSize: 3, Mode: AtLeastOnce})
	ctx := context.Background()
	docs := makeDocs(t, 3)
	for _, d := range docs {
		require.NoError(t, p.Submit(ctx, d))
	}

	res, err := p.Drain(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, res.Leftover, "failed documents stay queued")

	res, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	batches := idx.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, batches[0], batches[1], "retry resubmits the same documents in order")
	assert.Zero(t, p.Stats().Dropped)
}

func TestDrainBestEffortAggregatesErrors(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	second := errors.New("second")
	idx := &recordingIndexer{failures: map[int]error{0: first, 1: second}}
	p := newPipeline(t, idx, Config{BatchSize: 2})
	ctx := context.Background()
	// Fill the queue directly so no threshold flush runs before the drain.
	for _, d := range makeDocs(t, 5) {
		require.NoError(t, p.queue.Enqueue(ctx, d))
	}

	res, err := p.Drain(ctx)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
	assert.Equal(t, DrainResult{Flushes: 3, Documents: 5, Indexed: 1}, res)
	assert.Equal(t, int64(4), p.Stats().Dropped)
}

func TestPartialBatch(t *testing.T) {
	t.Parallel()

	docs := makeDocs(t, 3)
	idx := &recordingIndexer{rejects: map[int][]string{0: {docs[1].ID}}}
	p := newPipeline(t, idx, Config{BatchSize: 3, Mode: AtLeastOnce})
	ctx := context.Background()
	for _, d := range docs {
		require.NoError(t, p.Submit(ctx, d))
	}

	res, err := p.Flush(ctx)
	require.ErrorIs(t, err, ErrPartialBatch)
	assert.True(t, res.Submitted)
	assert.Equal(t, []string{docs[1].ID}, res.Batch.Failed)
	assert.Equal(t, 1, p.Len(), "only the rejected document is requeued")

	_, err = p.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []document.Document{docs[1]}, idx.Batches()[1])
	assert.Equal(t, int64(3), p.Stats().Indexed)
}

func TestFlushHonorsContextWhileGuardHeld(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	idx := &blockingIndexer{release: release, entered: make(chan struct{})}
	p := newPipeline(t, idx, Config{BatchSize: 5})
	ctx := context.Background()
	for _, d := range makeDocs(t, 2) {
		require.NoError(t, p.Submit(ctx, d))
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Flush(ctx)
		done <- err
	}()
	<-idx.entered

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := p.Flush(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestFlushPropagatesCancellationToIndexer(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{delay: time.Minute}
	p := newPipeline(t, idx, Config{BatchSize: 5})
	for _, d := range makeDocs(t, 1) {
		require.NoError(t, p.Submit(context.Background(), d))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := p.Flush(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, res.Submitted)
}

func TestThrottledFlush(t *testing.T) {
	t.Parallel()

	idx := &recordingIndexer{}
	p := newPipeline(t, idx, Config{BatchSize: 1, MaxBatchesPerSecond: 1000})
	ctx := context.Background()
	for _, d := range makeDocs(t, 3) {
		require.NoError(t, p.Submit(ctx, d))
	}
	_, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, idx.Batches(), 3)
}

type blockingIndexer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingIndexer) IndexBatch(_ context.Context, docs []document.Document) (BatchResult, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return BatchResult{Submitted: len(docs), Succeeded: len(docs)}, nil
}

func queueDepthGauge(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "indexer_queue_depth" {
			require.Len(t, f.GetMetric(), 1)
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("indexer_queue_depth is not registered")
	return 0
}

// Not parallel: the queue depth gauge is process-wide.
func TestQueueDepthGaugeTracksFailedFlushes(t *testing.T) {
	boom := errors.New("index unavailable")
	docs := makeDocs(t, 3)
	idx := &recordingIndexer{
		failures: map[int]error{0: boom},
		rejects:  map[int][]string{1: {docs[0].ID}},
	}
	p := newPipeline(t, idx, Config{BatchSize: 3, Mode: AtLeastOnce})
	ctx := context.Background()
	for _, d := range docs {
		require.NoError(t, p.Submit(ctx, d))
	}
	metrics.SetQueueDepth(0)

	_, err := p.Flush(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, float64(3), queueDepthGauge(t), "requeued batch is counted")

	_, err = p.Flush(ctx)
	require.ErrorIs(t, err, ErrPartialBatch)
	assert.Equal(t, float64(1), queueDepthGauge(t), "rejected document is counted")
}
