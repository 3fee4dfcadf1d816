// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/grocery-price-crawler/internal/grocery"
	"github.com/JakeFAU/grocery-price-crawler/internal/pricing"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "product_prices"

// PriceStoreConfig controls the Postgres connection pool used for price rows.
type PriceStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxAge          time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// PriceStore keeps the latest price per (normalized_name, source) in Postgres
// and answers price comparison queries.
type PriceStore struct {
	pool   pool
	table  string
	maxAge time.Duration
	now    func() time.Time
}

var _ pricing.Index = (*PriceStore)(nil)

// NewPriceStore creates a Postgres-backed PriceStore using the provided config.
func NewPriceStore(ctx context.Context, cfg PriceStoreConfig) (*PriceStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PriceStore{pool: p, table: table, maxAge: cfg.MaxAge, now: time.Now}, nil
}

// NewPriceStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPriceStoreWithPool(p pool, table string, maxAge time.Duration, clock grocery.Clock) (*PriceStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &PriceStore{pool: p, table: name, maxAge: maxAge, now: now}, nil
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

// Close releases the underlying pool resources.
func (s *PriceStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the price table and its unique key when missing.
func (s *PriceStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	normalized_name TEXT NOT NULL,
	source          TEXT NOT NULL,
	product_name    TEXT NOT NULL,
	matched_name    TEXT NOT NULL DEFAULT '',
	price           DOUBLE PRECISION NOT NULL,
	brand           TEXT NOT NULL DEFAULT '',
	size            TEXT NOT NULL DEFAULT '',
	product_url     TEXT NOT NULL DEFAULT '',
	in_stock        BOOLEAN NOT NULL DEFAULT TRUE,
	scraped_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (normalized_name, source)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes every quotable record in one transaction. Older scrapes never
// overwrite newer rows.
func (s *PriceStore) Upsert(ctx context.Context, records []grocery.ScrapeRecord) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("price store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	normalized_name,
	source,
	product_name,
	matched_name,
	price,
	brand,
	size,
	product_url,
	in_stock,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (normalized_name, source) DO UPDATE SET
	product_name = EXCLUDED.product_name,
	matched_name = EXCLUDED.matched_name,
	price = EXCLUDED.price,
	brand = EXCLUDED.brand,
	size = EXCLUDED.size,
	product_url = EXCLUDED.product_url,
	in_stock = EXCLUDED.in_stock,
	scraped_at = EXCLUDED.scraped_at
WHERE %[1]s.scraped_at <= EXCLUDED.scraped_at`, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	n := 0
	for _, rec := range records {
		q, ok := pricing.QuoteFromRecord(rec)
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, query,
			grocery.NormalizeName(rec.ProductName),
			q.Store,
			q.ProductName,
			q.MatchedName,
			q.Price,
			q.Brand,
			q.Size,
			q.URL,
			q.InStock,
			q.ScrapedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("upsert %q at %s: %w", rec.ProductName, rec.Source, err)
		}
		n++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return n, nil
}

// BestPrice returns the cheapest in-stock quote matching name.
func (s *PriceStore) BestPrice(ctx context.Context, name string) (pricing.Quote, error) {
	quotes, err := s.query(ctx, name, true, 1)
	if err != nil {
		return pricing.Quote{}, err
	}
	if len(quotes) == 0 {
		return pricing.Quote{}, fmt.Errorf("best price for %q: %w", name, grocery.ErrNotFound)
	}
	return quotes[0], nil
}

// Compare returns every in-stock quote matching name with its price range.
func (s *PriceStore) Compare(ctx context.Context, name string) (pricing.Comparison, error) {
	quotes, err := s.query(ctx, name, true, 0)
	if err != nil {
		return pricing.Comparison{}, err
	}
	return pricing.BuildComparison(name, quotes), nil
}

// Search returns up to limit quotes whose names contain query, cheapest first.
func (s *PriceStore) Search(ctx context.Context, query string, limit int) ([]pricing.Quote, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, query, false, limit)
}

func (s *PriceStore) query(ctx context.Context, name string, inStockOnly bool, limit int) ([]pricing.Quote, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("price store is not configured")
	}
	needle := grocery.NormalizeName(name)
	if needle == "" {
		return nil, nil
	}
	var cutoff time.Time
	if s.maxAge > 0 {
		cutoff = s.now().Add(-s.maxAge)
	}
	query := fmt.Sprintf(`
SELECT source, product_name, matched_name, price, brand, size, product_url, in_stock, scraped_at
FROM %s
WHERE (normalized_name LIKE '%%' || $1 || '%%' OR lower(matched_name) LIKE '%%' || $1 || '%%')
	AND price > 0
	AND ($2 = FALSE OR in_stock)
	AND scraped_at >= $3
ORDER BY price ASC, source ASC`, s.table)
	args := []any{needle, inStockOnly, cutoff}
	if limit > 0 {
		query += "\nLIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	quotes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pricing.Quote, error) {
		var q pricing.Quote
		err := row.Scan(&q.Store, &q.ProductName, &q.MatchedName, &q.Price, &q.Brand, &q.Size, &q.URL, &q.InStock, &q.ScrapedAt)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}
	return quotes, nil
}
