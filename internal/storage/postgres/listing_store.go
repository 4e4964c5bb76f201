// Package postgres provides a Postgres-backed record store.
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

	"github.com/ThachTung/WebScraper/internal/crawler"
	"github.com/ThachTung/WebScraper/internal/metrics"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "sold_listings"

// Config controls the Postgres connection pool used for listing rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements crawler.Merger on a single table keyed by (entity_key, link).
type Store struct {
	pool  pool
	table string
	clock crawler.Clock
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
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
	s, err := NewWithPool(p, cfg.Table, nil)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, clock crawler.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = crawler.SystemClock
	}
	return &Store{pool: p, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the listing table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	entity_key TEXT NOT NULL,
	link TEXT NOT NULL,
	title TEXT NOT NULL,
	price TEXT NOT NULL,
	image_url TEXT NOT NULL,
	sold_date TEXT NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	UNIQUE (entity_key, link)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Merge inserts records for entityKey, skipping links already stored so the
// existing rows win, and returns the number of rows stored for the key.
func (s *Store) Merge(ctx context.Context, entityKey string, records []crawler.Record) (count int, err error) {
	if entityKey == "" {
		return 0, errors.New("entity key is required")
	}
	start := time.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin merge: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	insert := fmt.Sprintf(`
INSERT INTO %s (entity_key, link, title, price, image_url, sold_date, ingested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (entity_key, link) DO NOTHING`, s.table)
	now := s.clock.Now()
	for _, rec := range records {
		if _, err = tx.Exec(ctx, insert,
			entityKey, rec.Key(), rec.Title, rec.Price, rec.ImageURL, rec.SoldDate, now,
		); err != nil {
			return 0, fmt.Errorf("insert listing: %w", err)
		}
	}

	var n int64
	if err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE entity_key = $1`, s.table), entityKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	metrics.ObserveMerge("postgres", time.Since(start))
	return int(n), nil
}

// Load returns the stored records for entityKey in insertion order.
func (s *Store) Load(ctx context.Context, entityKey string) ([]crawler.Record, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
SELECT title, price, link, image_url, sold_date FROM %s WHERE entity_key = $1 ORDER BY id`, s.table), entityKey)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var out []crawler.Record
	for rows.Next() {
		var r crawler.Record
		if err := rows.Scan(&r.Title, &r.Price, &r.Link, &r.ImageURL, &r.SoldDate); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

// Keys lists the stored entity keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT DISTINCT entity_key FROM %s ORDER BY entity_key`, s.table))
	if err != nil {
		return nil, fmt.Errorf("query entity keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan entity key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity keys: %w", err)
	}
	return keys, nil
}
