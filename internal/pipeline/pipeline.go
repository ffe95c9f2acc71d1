// Package pipeline implements the batched indexing pipeline: an intake queue
// fed by crawl workers, a size-triggered flush, and a single flush guard that
// serializes every index submission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/metrics"
	"github.com/JakeFAU/site-search-crawler/internal/queue/memory"
)

// DefaultBatchSize is the flush threshold and maximum batch size.
const DefaultBatchSize = 25

// Mode selects what happens to a batch whose submission fails.
type Mode string

const (
	// BestEffort drops a failed batch. Its documents are lost to the pipeline.
	BestEffort Mode = "best-effort"
	// AtLeastOnce puts failed documents back at the head of the queue.
	AtLeastOnce Mode = "at-least-once"
)

// ErrPartialBatch is returned when the index accepted only part of a batch.
var ErrPartialBatch = errors.New("batch partially indexed")

// Indexer submits one batch of documents to a search index. Writes must be
// upserts keyed by Document.ID.
type Indexer interface {
	IndexBatch(ctx context.Context, docs []document.Document) (BatchResult, error)
}

// BatchResult is the acknowledgment of one submission. Failed lists the keys
// the index rejected; an empty Failed with a nil error means full success.
type BatchResult struct {
	Submitted int
	Succeeded int
	Failed    []string
}

// Config controls batching and failure handling.
type Config struct {
	BatchSize           int
	Mode                Mode
	QueueCapacity       int
	MaxBatchesPerSecond float64
	Logger              *zap.Logger
}

// FlushResult describes one Flush call. Submitted is false when the queue was
// empty and nothing was sent.
type FlushResult struct {
	Submitted bool
	Size      int
	Batch     BatchResult
}

// DrainResult summarizes a Drain.
type DrainResult struct {
	Flushes   int
	Documents int
	Indexed   int
	Leftover  int
}

// Stats are running totals since the pipeline was created.
type Stats struct {
	Enqueued      int64
	Batches       int64
	FailedBatches int64
	Indexed       int64
	Dropped       int64
}

// Pipeline is safe for concurrent use. Submit may be called from any number
// of goroutines; Flush and Drain serialize on a binary guard.
type Pipeline struct {
	cfg     Config
	queue   *memory.Queue
	guard   *semaphore.Weighted
	indexer Indexer
	limiter *rate.Limiter
	logger  *zap.Logger

	enqueued      atomic.Int64
	batches       atomic.Int64
	failedBatches atomic.Int64
	indexed       atomic.Int64
	dropped       atomic.Int64
}

// New constructs a Pipeline that submits batches to indexer.
func New(indexer Indexer, cfg Config) (*Pipeline, error) {
	if indexer == nil {
		return nil, errors.New("pipeline: indexer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = BestEffort
	case BestEffort, AtLeastOnce:
	default:
		return nil, fmt.Errorf("pipeline: unknown delivery mode %q", cfg.Mode)
	}
	if cfg.MaxBatchesPerSecond < 0 {
		return nil, fmt.Errorf("pipeline: max batches per second must be >= 0")
	}
	// Submit flushes only past BatchSize; a bound at or below it blocks Enqueue forever.
	if cfg.QueueCapacity < 0 || (cfg.QueueCapacity > 0 && cfg.QueueCapacity <= cfg.BatchSize) {
		return nil, fmt.Errorf("pipeline: queue capacity %d must be 0 or greater than batch size %d", cfg.QueueCapacity, cfg.BatchSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:     cfg,
		queue:   memory.NewQueue(cfg.QueueCapacity),
		guard:   semaphore.NewWeighted(1),
		indexer: indexer,
		logger:  logger,
	}
	if cfg.MaxBatchesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 1)
	}
	return p, nil
}

// BatchSize returns the effective flush threshold.
func (p *Pipeline) BatchSize() int {
	return p.cfg.BatchSize
}

// Mode returns the effective delivery mode.
func (p *Pipeline) Mode() Mode {
	return p.cfg.Mode
}

// Len reports the number of queued documents.
func (p *Pipeline) Len() int {
	return p.queue.Len()
}

// Stats returns a snapshot of the running totals.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:      p.enqueued.Load(),
		Batches:       p.batches.Load(),
		FailedBatches: p.failedBatches.Load(),
		Indexed:       p.indexed.Load(),
		Dropped:       p.dropped.Load(),
	}
}

// Submit appends doc to the intake queue. When the queue grows past the batch
// size it attempts a flush and returns that flush's error; doc itself has been
// accepted either way. The threshold keeps memory bounded, it is not a cap.
func (p *Pipeline) Submit(ctx context.Context, doc document.Document) error {
	if err := p.queue.Enqueue(ctx, doc); err != nil {
		return fmt.Errorf("enqueue %s: %w", doc.URL, err)
	}
	p.enqueued.Add(1)
	depth := p.queue.Len()
	metrics.ObserveEnqueued(depth)

	if depth <= p.cfg.BatchSize {
		return nil
	}
	if _, err := p.Flush(ctx); err != nil {
		return fmt.Errorf("threshold flush: %w", err)
	}
	return nil
}

// Flush submits at most one batch of the oldest queued documents. It blocks
// until no other flush is in flight, or until ctx is done.
func (p *Pipeline) Flush(ctx context.Context) (FlushResult, error) {
	if err := p.guard.Acquire(ctx, 1); err != nil {
		return FlushResult{}, fmt.Errorf("acquire flush guard: %w", err)
	}
	defer p.guard.Release(1)

	if p.queue.Len() == 0 {
		return FlushResult{}, nil
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return FlushResult{}, fmt.Errorf("wait for submission slot: %w", err)
		}
	}

	batch := p.queue.Take(p.cfg.BatchSize)
	if len(batch) == 0 {
		return FlushResult{}, nil
	}
	p.logger.Info("Indexing batch", zap.Int("batch_size", len(batch)), zap.Int("queued", p.queue.Len()))

	start := time.Now()
	res, err := p.indexer.IndexBatch(ctx, batch)
	elapsed := time.Since(start)
	p.batches.Add(1)
	out := FlushResult{Submitted: true, Size: len(batch), Batch: res}

	switch {
	case err != nil:
		p.failedBatches.Add(1)
		metrics.ObserveBatch(metrics.BatchFailed, len(batch), elapsed)
		p.handleFailure(batch)
		metrics.SetQueueDepth(p.queue.Len())
		p.logger.Error("Batch submission failed",
			zap.Int("batch_size", len(batch)),
			zap.String("mode", string(p.cfg.Mode)),
			zap.Error(err),
		)
		return out, fmt.Errorf("index batch of %d: %w", len(batch), err)
	case len(res.Failed) > 0:
		p.failedBatches.Add(1)
		p.indexed.Add(int64(len(batch) - len(res.Failed)))
		metrics.ObserveBatch(metrics.BatchPartial, len(batch), elapsed)
		p.handleFailure(rejected(batch, res.Failed))
		metrics.SetQueueDepth(p.queue.Len())
		p.logger.Error("Batch partially indexed",
			zap.Int("batch_size", len(batch)),
			zap.Strings("rejected", res.Failed),
		)
		return out, fmt.Errorf("%w: %d of %d documents rejected", ErrPartialBatch, len(res.Failed), len(batch))
	default:
		p.indexed.Add(int64(len(batch)))
		metrics.ObserveBatch(metrics.BatchSucceeded, len(batch), elapsed)
		metrics.SetQueueDepth(p.queue.Len())
		return out, nil
	}
}

// Drain flushes until the queue is empty. It is meant to run once, after the
// crawl has finished producing. In best-effort mode failed batches are dropped
// and draining continues; in at-least-once mode the first failure stops the
// drain with the failed documents still queued.
func (p *Pipeline) Drain(ctx context.Context) (DrainResult, error) {
	var (
		out  DrainResult
		errs *multierror.Error
	)
	for {
		res, err := p.Flush(ctx)
		if res.Submitted {
			out.Flushes++
			out.Documents += res.Size
			if err == nil {
				out.Indexed += res.Size
			} else if errors.Is(err, ErrPartialBatch) {
				out.Indexed += res.Size - len(res.Batch.Failed)
			}
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			if ctx.Err() != nil || p.cfg.Mode == AtLeastOnce || !res.Submitted {
				break
			}
			continue
		}
		if !res.Submitted {
			break
		}
	}

	out.Leftover = p.queue.Len()
	metrics.SetQueueDepth(out.Leftover)
	if errs == nil && out.Leftover > 0 {
		p.logger.Warn("Indexing queue is still not empty after drain", zap.Int("leftover", out.Leftover))
	}
	return out, errs.ErrorOrNil()
}

// Close stops accepting documents. Queued documents can still be drained.
func (p *Pipeline) Close() {
	p.queue.Close()
}

func (p *Pipeline) handleFailure(docs []document.Document) {
	if len(docs) == 0 {
		return
	}
	if p.cfg.Mode == AtLeastOnce {
		p.queue.Requeue(docs)
		return
	}
	p.dropped.Add(int64(len(docs)))
}

func rejected(batch []document.Document, keys []string) []document.Document {
	failed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		failed[k] = struct{}{}
	}
	out := make([]document.Document, 0, len(keys))
	for _, d := range batch {
		if _, ok := failed[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}
