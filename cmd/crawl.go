package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-search-crawler/internal/app"
	"github.com/JakeFAU/site-search-crawler/internal/config"
)

// ErrCrawlFailed is returned when a crawl ran but its summary is marked failed.
var ErrCrawlFailed = errors.New("crawl failed")

// buildApp is the application factory. Tests swap in options through it.
var buildApp = func(ctx context.Context, cfg config.Config, root string) (*app.App, error) {
	return app.Build(ctx, cfg, root)
}

type crawlFlags struct {
	maxPages  int
	batchSize int
	backend   string
	delivery  string
	dryRun    bool
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl of a site
// and prints the run summary as JSON.
func newCrawlCmd(cfgFile *string) *cobra.Command {
	flags := &crawlFlags{}
	cmd := &cobra.Command{
		Use:   "crawl [root-url]",
		Short: "Crawls one site into the configured search index",
		Long: `Crawls every page reachable from root-url on the same host, up to
--max-pages, and submits the extracted text to the configured index in
batches of --batch-size documents. Exits non-zero when any fetch error
ends the crawl or any batch fails to index.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := flags.apply(cmd, &cfg); err != nil {
				return err
			}
			return runCrawl(cmd, cfg, args[0])
		},
	}
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "maximum number of pages to fetch (overrides crawler.max_pages)")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "documents per index submission (overrides index.batch_size)")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "index backend: memory, bleve, postgres, pubsub, gcs or azure")
	cmd.Flags().StringVar(&flags.delivery, "delivery", "", "failed batch handling: best-effort or at-least-once")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "crawl and extract but index into memory only")
	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f *crawlFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("max-pages") {
		cfg.Crawler.MaxPages = f.maxPages
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Index.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("backend") {
		cfg.Index.Backend = f.backend
	}
	if cmd.Flags().Changed("delivery") {
		cfg.Index.Delivery = f.delivery
	}
	if f.dryRun {
		cfg.Index.Backend = config.BackendMemory
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func runCrawl(cmd *cobra.Command, cfg config.Config, root string) error {
	a, err := buildApp(cmd.Context(), cfg, root)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	summary := a.Run(cmd.Context())
	closeErr := a.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	if !summary.Succeeded() {
		return fmt.Errorf("%w: %w", ErrCrawlFailed, summary.Err)
	}
	return closeErr
}
