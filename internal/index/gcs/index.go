// Package gcs writes each indexed document as a JSON object in a Google Cloud
// Storage bucket. Object names are derived from the document id, so a second
// write of the same page overwrites the first.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
)

// Config captures the target bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Index is a GCS-backed pipeline.Indexer.
type Index struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

var _ pipeline.Indexer = (*Index)(nil)

// New creates a storage client with Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Index, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	idx, err := NewWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	idx.owned = true
	return idx, nil
}

// NewWithClient builds an Index on an existing client.
func NewWithClient(client *storage.Client, cfg Config) (*Index, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Index{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object path for a document id.
func (i *Index) ObjectName(id string) string {
	return path.Join(i.prefix, id+".json")
}

// IndexBatch uploads every document. Uploads that fail are reported by id as
// a partial failure; the rest of the batch is still written.
func (i *Index) IndexBatch(ctx context.Context, docs []document.Document) (pipeline.BatchResult, error) {
	res := pipeline.BatchResult{Submitted: len(docs)}
	var errs *multierror.Error
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := i.put(ctx, d); err != nil {
			res.Failed = append(res.Failed, d.ID)
			errs = multierror.Append(errs, err)
			continue
		}
		res.Succeeded++
	}
	if res.Succeeded == 0 && len(docs) > 0 {
		return res, fmt.Errorf("upload batch: %w", errs.ErrorOrNil())
	}
	return res, nil
}

func (i *Index) put(ctx context.Context, d document.Document) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", d.ID, err)
	}
	name := i.ObjectName(d.ID)
	writer := i.client.Bucket(i.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{"source_url": d.URL}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", name, err)
	}
	return nil
}

// Close closes the client when New created it.
func (i *Index) Close() error {
	if !i.owned {
		return nil
	}
	if err := i.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
