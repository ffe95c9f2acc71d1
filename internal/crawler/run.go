package crawler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/JakeFAU/site-search-crawler/internal/clock/system"
)

// Summary is the outcome of one Run.
type Summary struct {
	RunID      string        `json:"run_id"`
	RootURL    string        `json:"root_url"`
	Pages      int64         `json:"pages"`
	Fetched    int64         `json:"fetched"`
	Failed     int64         `json:"failed"`
	Skipped    int64         `json:"skipped"`
	Enqueued   int64         `json:"enqueued"`
	Indexed    int64         `json:"indexed"`
	Batches    int64         `json:"batches"`
	Dropped    int64         `json:"dropped"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Succeeded reports whether the crawl ended cleanly and every batch was indexed.
func (s Summary) Succeeded() bool {
	return s.Err == nil
}

// MarshalJSON adds the outcome to the encoded counters.
func (s Summary) MarshalJSON() ([]byte, error) {
	type counters Summary
	out := struct {
		counters
		Succeeded bool   `json:"succeeded"`
		Error     string `json:"error,omitempty"`
	}{counters: counters(s), Succeeded: s.Succeeded()}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return json.Marshal(out)
}

// Run crawls root with engine, feeding pages to orchestrator, and returns the
// run summary. Crawl errors and submission errors both mark the run failed.
func Run(ctx context.Context, engine Engine, orchestrator *Orchestrator, root string, clock Clock) Summary {
	if clock == nil {
		clock = system.New()
	}
	summary := Summary{
		RunID:     orchestrator.RunID(),
		RootURL:   root,
		StartedAt: clock.Now(),
	}

	rootURL, err := ParseRoot(root)
	if err != nil {
		summary.Err = err
		summary.FinishedAt = clock.Now()
		return summary
	}
	summary.RootURL = rootURL.String()

	result, err := engine.Crawl(ctx, summary.RootURL, orchestrator)
	var errs *multierror.Error
	if result.Err != nil {
		errs = multierror.Append(errs, result.Err)
	}
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	stats := orchestrator.Stats()
	summary.Pages = stats.Pages
	summary.Fetched = stats.Fetched
	summary.Failed = stats.Failed
	summary.Skipped = stats.Skipped
	summary.Enqueued = stats.Enqueued
	summary.Indexed = stats.Indexed
	summary.Batches = stats.Batches
	summary.Dropped = stats.Dropped
	summary.FinishedAt = clock.Now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	summary.Err = errs.ErrorOrNil()
	return summary
}
