// Package pubsub hands batches to a downstream indexer over Cloud Pub/Sub.
// Each batch becomes one JSON message; the consumer owns the actual index.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
)

// Message is the JSON payload of one published batch.
type Message struct {
	RunID     string              `json:"run_id,omitempty"`
	Action    string              `json:"action"`
	Documents []document.Document `json:"documents"`
}

// UpsertAction tells consumers to merge-or-insert every document by id.
const UpsertAction = "upsert"

// Index publishes batches to a topic.
type Index struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	runID  string
	owned  bool
}

var _ pipeline.Indexer = (*Index)(nil)

// Config selects the topic.
type Config struct {
	ProjectID string
	TopicID   string
	// RunID is stamped on every message and, when set, used as the ordering
	// key so a consumer sees one run's batches in order.
	RunID string
}

// New connects to Pub/Sub with Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("index.pubsub.project_id and index.pubsub.topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	idx, err := NewWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	idx.owned = true
	return idx, nil
}

// NewWithClient builds an Index on an existing client (primarily for testing).
func NewWithClient(client *pubsub.Client, cfg Config) (*Index, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("topic id is required")
	}
	topic := client.Topic(cfg.TopicID)
	if cfg.RunID != "" {
		topic.EnableMessageOrdering = true
	}
	return &Index{client: client, topic: topic, runID: cfg.RunID}, nil
}

// IndexBatch publishes docs as one message and waits for the server ack.
func (i *Index) IndexBatch(ctx context.Context, docs []document.Document) (pipeline.BatchResult, error) {
	res := pipeline.BatchResult{Submitted: len(docs)}
	data, err := json.Marshal(Message{RunID: i.runID, Action: UpsertAction, Documents: docs})
	if err != nil {
		return res, fmt.Errorf("marshal batch: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"batch_size": strconv.Itoa(len(docs)),
		},
		OrderingKey: i.runID,
	}
	if i.runID != "" {
		msg.Attributes["run_id"] = i.runID
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	if _, err := i.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if i.runID != "" {
			// A failed ordered publish pauses the key until resumed.
			i.topic.ResumePublish(i.runID)
		}
		return res, fmt.Errorf("publish batch: %w", err)
	}
	res.Succeeded = len(docs)
	return res, nil
}

// Close flushes pending publishes and closes the client when New created it.
func (i *Index) Close() error {
	i.topic.Stop()
	if i.owned {
		if err := i.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier for message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
