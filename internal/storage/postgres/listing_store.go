// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/listharvest/listharvest/internal/harvest"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool opens a pgx connection pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return pool, nil
}

// ListingStore implements harvest.Store on Postgres.
type ListingStore struct {
	pool pgxPool
}

// NewListingStore constructs a store from an existing pool.
func NewListingStore(pool pgxPool) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ListingStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const upsertListing = `
INSERT INTO listings (source, listing_type, external_id, url, title, payload, fetched_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (source, listing_type, external_id) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	payload = EXCLUDED.payload,
	fetched_at = EXCLUDED.fetched_at
RETURNING (xmax = 0) AS inserted`

// Upsert writes records keyed by (source, listing_type, external_id) and
// returns how many rows were newly inserted rather than updated.
func (s *ListingStore) Upsert(ctx context.Context, records []harvest.Record) (int, error) {
	inserted := 0
	for _, rec := range records {
		if rec.ID == "" {
			return inserted, fmt.Errorf("record id is required")
		}
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return inserted, fmt.Errorf("marshal payload: %w", err)
		}
		var isNew bool
		err = s.pool.QueryRow(ctx, upsertListing,
			rec.Source,
			rec.ListingType,
			rec.ID,
			rec.URL,
			rec.Title,
			payload,
			rec.FetchedAt,
		).Scan(&isNew)
		if err != nil {
			return inserted, fmt.Errorf("upsert listing %s: %w", rec.Key(), err)
		}
		if isNew {
			inserted++
		}
	}
	return inserted, nil
}

// Listings returns stored records matching the filter, newest-fetched first.
func (s *ListingStore) Listings(ctx context.Context, filter harvest.Filter) ([]harvest.Record, error) {
	query := `
SELECT source, listing_type, external_id, url, title, payload, fetched_at
FROM listings
WHERE ($1 = '' OR source = $1)
  AND ($2 = '' OR listing_type = $2)
  AND ($3 = '' OR title ILIKE '%' || $3 || '%')
ORDER BY fetched_at DESC
LIMIT $4 OFFSET $5`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, query, filter.Source, filter.ListingType, filter.Query, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var out []harvest.Record
	for rows.Next() {
		var rec harvest.Record
		var payload []byte
		if err := rows.Scan(&rec.Source, &rec.ListingType, &rec.ID, &rec.URL, &rec.Title, &payload, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}

// CreateSession opens a new crawl session row.
func (s *ListingStore) CreateSession(ctx context.Context, source, listingType string) (harvest.SessionID, error) {
	id := uuid.New()
	const query = `
INSERT INTO crawl_sessions (id, source, listing_type, started_at)
VALUES ($1,$2,$3,now())`
	if _, err := s.pool.Exec(ctx, query, id, source, listingType); err != nil {
		return uuid.Nil, fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// UpdateSession writes the session's latest progress cursor and counters.
func (s *ListingStore) UpdateSession(ctx context.Context, id harvest.SessionID, progress harvest.SessionProgress) error {
	cursor, err := json.Marshal(progress.Cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	const query = `
UPDATE crawl_sessions SET
	cursor = $2,
	pages_scraped = $3,
	items_found = $4,
	items_saved = $5,
	duplicates = $6,
	last_error = $7,
	updated_at = now()
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, cursor,
		progress.PagesScraped, progress.ItemsFound, progress.ItemsSaved,
		progress.Duplicates, progress.LastError)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}
