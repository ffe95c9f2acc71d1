// Package postgres indexes documents into a Postgres table, one transaction
// per batch.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-search-crawler/internal/document"
	"github.com/JakeFAU/site-search-crawler/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "documents"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type beginCloser interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Index upserts documents into Postgres.
type Index struct {
	pool  beginCloser
	table string
	now   func() time.Time
}

var _ pipeline.Indexer = (*Index)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Index{pool: pool, table: table, now: time.Now}, nil
}

// NewWithPool builds an Index on an existing pool (primarily for testing).
func NewWithPool(pool beginCloser, table string) (*Index, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Index{pool: pool, table: name, now: time.Now}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the pool.
func (i *Index) Close() error {
	if i == nil || i.pool == nil {
		return nil
	}
	i.pool.Close()
	return nil
}

// IndexBatch writes docs in a single transaction. Either the whole batch is
// committed or none of it is.
func (i *Index) IndexBatch(ctx context.Context, docs []document.Document) (pipeline.BatchResult, error) {
	if i == nil || i.pool == nil {
		return pipeline.BatchResult{}, fmt.Errorf("postgres index is not configured")
	}
	res := pipeline.BatchResult{Submitted: len(docs)}
	if len(docs) == 0 {
		return res, nil
	}

	tx, err := i.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, url, content, indexed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	content = EXCLUDED.content,
	indexed_at = EXCLUDED.indexed_at`, i.table)

	indexedAt := i.now().UTC()
	for _, d := range docs {
		if _, err := tx.Exec(ctx, query, d.ID, d.URL, d.Content, indexedAt); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return res, fmt.Errorf("upsert document %s: %w (rollback: %v)", d.ID, err, rbErr)
			}
			return res, fmt.Errorf("upsert document %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxCommitRollback) {
			return res, fmt.Errorf("transaction rolled back: %w", err)
		}
		return res, fmt.Errorf("commit batch: %w", err)
	}
	res.Succeeded = len(docs)
	return res, nil
}
