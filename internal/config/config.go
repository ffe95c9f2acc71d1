// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Index backends selectable through index.backend.
const (
	BackendMemory   = "memory"
	BackendBleve    = "bleve"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"
	BackendGCS      = "gcs"
	BackendAzure    = "azure"
)

// Extraction strategies selectable through extract.strategy.
const (
	StrategyXPath    = "xpath"
	StrategySelector = "selector"
)

// Delivery modes selectable through index.delivery.
const (
	DeliveryBestEffort  = "best-effort"
	DeliveryAtLeastOnce = "at-least-once"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Extract ExtractConfig `mapstructure:"extract"`
	Index   IndexConfig   `mapstructure:"index"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the status server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs the crawl engine.
type CrawlerConfig struct {
	MaxPages       int           `mapstructure:"max_pages"`
	MaxDepth       int           `mapstructure:"max_depth"`
	Parallelism    int           `mapstructure:"parallelism"`
	Delay          time.Duration `mapstructure:"delay"`
	RandomDelay    time.Duration `mapstructure:"random_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CrawlTimeout   time.Duration `mapstructure:"crawl_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	ExtraDomains   []string      `mapstructure:"extra_domains"`
	BlockedDomains []string      `mapstructure:"blocked_domains"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
}

// ExtractConfig selects how page text is pulled out and cleaned.
type ExtractConfig struct {
	Strategy      string   `mapstructure:"strategy"`
	XPath         string   `mapstructure:"xpath"`
	Selector      string   `mapstructure:"selector"`
	RemovedTypes  []string `mapstructure:"removed_types"`
	FooterPhrases []string `mapstructure:"footer_phrases"`
	StripMarkup   bool     `mapstructure:"strip_markup"`
}

// IndexConfig selects the search backend and the batching behavior in front of it.
type IndexConfig struct {
	Backend             string         `mapstructure:"backend"`
	BatchSize           int            `mapstructure:"batch_size"`
	Delivery            string         `mapstructure:"delivery"`
	QueueCapacity       int            `mapstructure:"queue_capacity"`
	MaxBatchesPerSecond float64        `mapstructure:"max_batches_per_second"`
	Bleve               BleveConfig    `mapstructure:"bleve"`
	Postgres            PostgresConfig `mapstructure:"postgres"`
	PubSub              PubSubConfig   `mapstructure:"pubsub"`
	GCS                 GCSConfig      `mapstructure:"gcs"`
	Azure               AzureConfig    `mapstructure:"azure"`
}

// BleveConfig locates the on-disk index. An empty path keeps it in memory.
type BleveConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the Postgres document table.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig names the topic documents are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// GCSConfig names the bucket documents are written to.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// AzureConfig identifies an Azure AI Search index.
type AzureConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Endpoint    string        `mapstructure:"endpoint"`
	IndexName   string        `mapstructure:"index_name"`
	APIKey      string        `mapstructure:"api_key"`
	APIVersion  string        `mapstructure:"api_version"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITECRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 0)
	v.SetDefault("crawler.max_pages", 100)
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.parallelism", 5)
	v.SetDefault("crawler.delay", "100ms")
	v.SetDefault("crawler.random_delay", "0s")
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.crawl_timeout", "0s")
	v.SetDefault("crawler.user_agent", "site-search-crawler/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.extra_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("extract.strategy", StrategyXPath)
	v.SetDefault("extract.xpath", "//body")
	v.SetDefault("extract.selector", "body")
	v.SetDefault("extract.removed_types", []string{"script", "style", "svg", "path"})
	v.SetDefault("extract.footer_phrases", []string{})
	v.SetDefault("extract.strip_markup", false)
	v.SetDefault("index.backend", BackendMemory)
	v.SetDefault("index.batch_size", 25)
	v.SetDefault("index.delivery", DeliveryBestEffort)
	v.SetDefault("index.queue_capacity", 0)
	v.SetDefault("index.max_batches_per_second", 0.0)
	v.SetDefault("index.bleve.path", "")
	v.SetDefault("index.postgres.table", "documents")
	v.SetDefault("index.postgres.max_conns", 4)
	v.SetDefault("index.postgres.min_conns", 0)
	v.SetDefault("index.postgres.max_conn_lifetime", "30m")
	v.SetDefault("index.gcs.prefix", "documents")
	v.SetDefault("index.azure.api_version", "2023-11-01")
	v.SetDefault("index.azure.max_retries", 3)
	v.SetDefault("index.azure.timeout", "30s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.Parallelism <= 0 {
		return fmt.Errorf("crawler.parallelism must be > 0")
	}
	if c.Crawler.RequestTimeout < 0 || c.Crawler.CrawlTimeout < 0 {
		return fmt.Errorf("crawler timeouts must be >= 0")
	}
	switch c.Extract.Strategy {
	case "", StrategyXPath, StrategySelector:
	default:
		return fmt.Errorf("extract.strategy %q is not one of %s, %s", c.Extract.Strategy, StrategyXPath, StrategySelector)
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be > 0")
	}
	if c.Index.QueueCapacity < 0 {
		return fmt.Errorf("index.queue_capacity must be >= 0")
	}
	if c.Index.QueueCapacity > 0 && c.Index.QueueCapacity <= c.Index.BatchSize {
		return fmt.Errorf("index.queue_capacity must be 0 or greater than index.batch_size")
	}
	if c.Index.MaxBatchesPerSecond < 0 {
		return fmt.Errorf("index.max_batches_per_second must be >= 0")
	}
	switch c.Index.Delivery {
	case "", DeliveryBestEffort, DeliveryAtLeastOnce:
	default:
		return fmt.Errorf("index.delivery %q is not one of %s, %s", c.Index.Delivery, DeliveryBestEffort, DeliveryAtLeastOnce)
	}
	return c.Index.validateBackend()
}

func (c IndexConfig) validateBackend() error {
	switch c.Backend {
	case "", BackendMemory, BackendBleve:
		return nil
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("index.postgres.dsn must be set when index.backend is postgres")
		}
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicID == "" {
			return fmt.Errorf("index.pubsub.project_id and index.pubsub.topic_id must be set when index.backend is pubsub")
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			return fmt.Errorf("index.gcs.bucket must be set when index.backend is gcs")
		}
	case BackendAzure:
		if c.Azure.ServiceName == "" && c.Azure.Endpoint == "" {
			return fmt.Errorf("index.azure.service_name or index.azure.endpoint must be set when index.backend is azure")
		}
		if c.Azure.IndexName == "" || c.Azure.APIKey == "" {
			return fmt.Errorf("index.azure.index_name and index.azure.api_key must be set when index.backend is azure")
		}
	default:
		return fmt.Errorf("index.backend %q is not supported", c.Backend)
	}
	return nil
}
