// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultURLTable      = "tracked_urls"
	defaultDeferredTable = "deferred_urls"
)

// URLStoreConfig controls the Postgres connection pool and table names.
type URLStoreConfig struct {
	DSN             string
	URLTable        string
	DeferredTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// URLStore persists the tracker's URL sets and deferred pages in Postgres.
type URLStore struct {
	pool          pool
	urlTable      string
	deferredTable string
}

// NewURLStore connects to Postgres using the provided config.
func NewURLStore(ctx context.Context, cfg URLStoreConfig) (*URLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewURLStoreWithPool(p, cfg.URLTable, cfg.DeferredTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewURLStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewURLStoreWithPool(p pool, urlTable, deferredTable string) (*URLStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if urlTable == "" {
		urlTable = defaultURLTable
	}
	if deferredTable == "" {
		deferredTable = defaultDeferredTable
	}
	for _, table := range []string{urlTable, deferredTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &URLStore{pool: p, urlTable: urlTable, deferredTable: deferredTable}, nil
}

// Migrate creates the tables when they do not exist.
func (s *URLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	kind TEXT NOT NULL,
	url  TEXT NOT NULL,
	PRIMARY KEY (kind, url)
)`, s.urlTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id      BIGSERIAL PRIMARY KEY,
	page_no INTEGER NOT NULL,
	url     TEXT NOT NULL,
	UNIQUE (page_no, url)
)`, s.deferredTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *URLStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LoadURLs returns the persisted set for kind.
func (s *URLStore) LoadURLs(ctx context.Context, kind crawler.URLKind) ([]string, error) {
	query := fmt.Sprintf(`SELECT url FROM %s WHERE kind = $1 ORDER BY url`, s.urlTable)
	rows, err := s.pool.Query(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("load %s urls: %w", kind, err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s urls: %w", kind, err)
	}
	return urls, nil
}

// SaveURLs replaces the persisted set for kind in one transaction.
func (s *URLStore) SaveURLs(ctx context.Context, kind crawler.URLKind, urls []string) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save %s urls: %w", kind, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE kind = $1`, s.urlTable), string(kind)); err != nil {
		return fmt.Errorf("clear %s urls: %w", kind, err)
	}
	if len(urls) > 0 {
		insert := fmt.Sprintf(`INSERT INTO %s (kind, url)
SELECT $1, u FROM unnest($2::text[]) AS u
ON CONFLICT (kind, url) DO NOTHING`, s.urlTable)
		if _, err = tx.Exec(ctx, insert, string(kind), urls); err != nil {
			return fmt.Errorf("insert %s urls: %w", kind, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s urls: %w", kind, err)
	}
	return nil
}

// CommitPage stages urls on a deferred page, skipping ones already there.
func (s *URLStore) CommitPage(ctx context.Context, pageNo int, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (page_no, url)
SELECT $1, u FROM unnest($2::text[]) WITH ORDINALITY AS t(u, ord)
ORDER BY ord
ON CONFLICT (page_no, url) DO NOTHING`, s.deferredTable)
	if _, err := s.pool.Exec(ctx, query, pageNo, urls); err != nil {
		return fmt.Errorf("commit page %d: %w", pageNo, err)
	}
	return nil
}

// TakePage deletes and returns up to n urls from a page in staging order.
func (s *URLStore) TakePage(ctx context.Context, pageNo int, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`WITH taken AS (
	DELETE FROM %[1]s WHERE id IN (
		SELECT id FROM %[1]s WHERE page_no = $1 ORDER BY id LIMIT $2 FOR UPDATE SKIP LOCKED
	)
	RETURNING id, url
)
SELECT url FROM taken ORDER BY id`, s.deferredTable)
	rows, err := s.pool.Query(ctx, query, pageNo, n)
	if err != nil {
		return nil, fmt.Errorf("take page %d: %w", pageNo, err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan page %d: %w", pageNo, err)
	}
	return urls, nil
}
