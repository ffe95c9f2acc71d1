// Package app builds the crawler's long-lived services from configuration and
// runs a single crawl with them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-search-crawler/internal/api"
	"github.com/JakeFAU/site-search-crawler/internal/clock/system"
	"github.com/JakeFAU/site-search-crawler/internal/config"
	"github.com/JakeFAU/site-search-crawler/internal/crawler"
	"github.com/JakeFAU/site-search-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-search-crawler/internal/index/azuresearch"
	bleveindex "github.com/JakeFAU/site-search-crawler/internal/index/bleve"
	"github.com/JakeFAU/site-search-crawler/internal/index/gcs"
	memindex "github.com/JakeFAU/site-search-crawler/internal/index/memory"
	"github.com/JakeFAU/site-search-crawler/internal/index/postgres"
	pubsubindex "github.com/JakeFAU/site-search-crawler/internal/index/pubsub"
	"github.com/JakeFAU/site-search-crawler/internal/logging"
	"github.com/JakeFAU/site-search-crawler/internal/metrics"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
	"github.com/JakeFAU/site-search-crawler/internal/textextract"
)

const shutdownTimeout = 10 * time.Second

// Index is a pipeline.Indexer that holds resources until closed.
type Index interface {
	pipeline.Indexer
	Close() error
}

// App contains the services for one crawl.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	runID        string
	clock        crawler.Clock
	index        Index
	pipeline     *pipeline.Pipeline
	engine       crawler.Engine
	orchestrator *crawler.Orchestrator
	apiServer    *api.Server
	site         string
}

// Option overrides a collaborator Build would otherwise create.
type Option func(*options)

type options struct {
	logger *zap.Logger
	engine crawler.Engine
	index  Index
	clock  crawler.Clock
	ids    crawler.IDGenerator
}

// WithLogger uses logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEngine replaces the colly engine.
func WithEngine(engine crawler.Engine) Option {
	return func(o *options) { o.engine = engine }
}

// WithIndex replaces the configured index backend.
func WithIndex(index Index) Option {
	return func(o *options) { o.index = index }
}

// WithClock replaces the system clock used for run timing.
func WithClock(clock crawler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDGenerator replaces the UUID run ID generator.
func WithIDGenerator(ids crawler.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// Build creates the application's dependencies for a crawl of site.
func Build(ctx context.Context, cfg config.Config, site string, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	ids := o.ids
	if ids == nil {
		ids = uuid.New()
	}
	runID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("run id: %w", err)
	}
	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	app := &App{
		cfg:    cfg,
		logger: logger.With(zap.String("run_id", runID)),
		runID:  runID,
		clock:  clock,
		site:   site,
	}
	app.logger.Info("building application dependencies",
		zap.String("backend", cfg.Index.Backend),
		zap.Int("batch_size", cfg.Index.BatchSize),
		zap.String("delivery", cfg.Index.Delivery),
		zap.Int("max_pages", cfg.Crawler.MaxPages),
	)

	app.index = o.index
	if app.index == nil {
		if app.index, err = setupIndex(ctx, app); err != nil {
			return nil, err
		}
	}

	if err := app.setupPipeline(o.engine); err != nil {
		_ = app.index.Close()
		return nil, err
	}

	if cfg.Server.Port > 0 {
		app.apiServer = api.NewServer(app.orchestrator, logger.Named("api"))
	}
	return app, nil
}

func (a *App) setupPipeline(engine crawler.Engine) error {
	var err error
	a.pipeline, err = pipeline.New(a.index, pipeline.Config{
		BatchSize:           a.cfg.Index.BatchSize,
		Mode:                pipeline.Mode(a.cfg.Index.Delivery),
		QueueCapacity:       a.cfg.Index.QueueCapacity,
		MaxBatchesPerSecond: a.cfg.Index.MaxBatchesPerSecond,
		Logger:              a.logger.Named("pipeline"),
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	extractor, err := setupExtractor(a.cfg.Extract)
	if err != nil {
		return err
	}
	a.orchestrator, err = crawler.NewOrchestrator(a.pipeline, crawler.OrchestratorConfig{
		RunID:     a.runID,
		Site:      a.site,
		Extractor: extractor,
		Cleaner:   textextract.NewCleaner(a.cfg.Extract.FooterPhrases, a.cfg.Extract.StripMarkup),
		Logger:    a.logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	if engine != nil {
		a.engine = engine
		return nil
	}
	c := a.cfg.Crawler
	a.engine, err = crawler.NewCollyEngine(crawler.EngineConfig{
		MaxPages:       c.MaxPages,
		MaxDepth:       c.MaxDepth,
		Parallelism:    c.Parallelism,
		Delay:          c.Delay,
		RandomDelay:    c.RandomDelay,
		RequestTimeout: c.RequestTimeout,
		CrawlTimeout:   c.CrawlTimeout,
		UserAgent:      c.UserAgent,
		RespectRobots:  c.RespectRobots,
		ExtraDomains:   c.ExtraDomains,
		BlockedDomains: c.BlockedDomains,
		MaxBodyBytes:   c.MaxBodyBytes,
	}, a.logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("crawl engine init failed: %w", err)
	}
	a.logger.Debug("using colly engine",
		zap.String("user_agent", c.UserAgent),
		zap.Int("parallelism", c.Parallelism),
		zap.Bool("respect_robots", c.RespectRobots),
	)
	return nil
}

func setupExtractor(cfg config.ExtractConfig) (textextract.Extractor, error) {
	switch cfg.Strategy {
	case config.StrategySelector:
		return textextract.NewSelectorExtractor(cfg.Selector, cfg.RemovedTypes...), nil
	case "", config.StrategyXPath:
		extractor, err := textextract.NewXPathExtractor(cfg.XPath, cfg.RemovedTypes...)
		if err != nil {
			return nil, fmt.Errorf("extractor init failed: %w", err)
		}
		return extractor, nil
	default:
		return nil, fmt.Errorf("unknown extract strategy %q", cfg.Strategy)
	}
}

func setupIndex(ctx context.Context, app *App) (Index, error) {
	cfg := app.cfg.Index
	switch cfg.Backend {
	case config.BackendBleve:
		idx, err := bleveindex.Open(bleveindex.Config{Path: cfg.Bleve.Path})
		if err != nil {
			return nil, fmt.Errorf("bleve index init failed: %w", err)
		}
		app.logger.Info("using bleve index", zap.String("path", cfg.Bleve.Path))
		return idx, nil
	case config.BackendPostgres:
		idx, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres index init failed: %w", err)
		}
		app.logger.Info("using postgres index", zap.String("table", cfg.Postgres.Table))
		return idx, nil
	case config.BackendPubSub:
		idx, err := pubsubindex.New(ctx, pubsubindex.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicID:   cfg.PubSub.TopicID,
			RunID:     app.runID,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub index init failed: %w", err)
		}
		app.logger.Info("using pubsub index",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicID),
		)
		return idx, nil
	case config.BackendGCS:
		idx, err := gcs.New(ctx, gcs.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs index init failed: %w", err)
		}
		app.logger.Info("using gcs index", zap.String("bucket", cfg.GCS.Bucket))
		return idx, nil
	case config.BackendAzure:
		idx, err := azuresearch.New(azuresearch.Config{
			ServiceName: cfg.Azure.ServiceName,
			Endpoint:    cfg.Azure.Endpoint,
			IndexName:   cfg.Azure.IndexName,
			APIKey:      cfg.Azure.APIKey,
			APIVersion:  cfg.Azure.APIVersion,
			Timeout:     cfg.Azure.Timeout,
			MaxRetries:  cfg.Azure.MaxRetries,
			Logger:      app.logger.Named("azuresearch"),
		})
		if err != nil {
			return nil, fmt.Errorf("azure search index init failed: %w", err)
		}
		app.logger.Info("using azure search index", zap.String("index", cfg.Azure.IndexName))
		return idx, nil
	case "", config.BackendMemory:
		app.logger.Info("using in-memory index")
		return memindex.New(), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}

// RunID returns the identifier stamped on this crawl's logs and messages.
func (a *App) RunID() string {
	return a.runID
}

// Orchestrator exposes the run's page handler and counters.
func (a *App) Orchestrator() *crawler.Orchestrator {
	return a.orchestrator
}

// Index returns the backend documents are submitted to.
func (a *App) Index() Index {
	return a.index
}

// Run crawls the site given to Build and blocks until the crawl and the final
// drain complete, or ctx is canceled. The status server, when enabled, runs for
// the duration of the crawl.
func (a *App) Run(ctx context.Context) crawler.Summary {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := a.startServer()

	a.logger.Info("crawl started", zap.String("root_url", a.site))
	summary := crawler.Run(ctx, a.engine, a.orchestrator, a.site, a.clock)

	fields := []zap.Field{
		zap.String("root_url", summary.RootURL),
		zap.Int64("pages", summary.Pages),
		zap.Int64("indexed", summary.Indexed),
		zap.Int64("batches", summary.Batches),
		zap.Duration("duration", summary.Duration),
	}
	if summary.Succeeded() {
		a.logger.Info("crawl finished", fields...)
	} else {
		a.logger.Error("crawl finished with errors", append(fields, zap.Error(summary.Err))...)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	return summary
}

func (a *App) startServer() *http.Server {
	if a.apiServer == nil {
		return nil
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv
}

// Close releases the index backend and flushes the logger.
func (a *App) Close() error {
	if a.pipeline != nil {
		if left := a.pipeline.Len(); left > 0 {
			a.logger.Warn("closing with documents still queued", zap.Int("queued", left))
		}
		a.pipeline.Close()
	}
	var err error
	if a.index != nil {
		if err = a.index.Close(); err != nil {
			a.logger.Warn("index close failed", zap.Error(err))
			err = fmt.Errorf("close index: %w", err)
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return err
}
