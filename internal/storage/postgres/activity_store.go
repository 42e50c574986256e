package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/listharvest/listharvest/internal/activity"
)

const defaultActivityRetention = 10000

// ActivityStore implements activity.Log on Postgres. It is the shared durable
// record that lets a watchdog process observe scrapers running elsewhere.
type ActivityStore struct {
	pool      pgxPool
	retention int
}

// NewActivityStore constructs a store from an existing pool. A non-positive
// retention uses the default cap.
func NewActivityStore(pool pgxPool, retention int) (*ActivityStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if retention <= 0 {
		retention = defaultActivityRetention
	}
	return &ActivityStore{pool: pool, retention: retention}, nil
}

// Append inserts one entry and evicts rows beyond the retention cap. The
// eviction rides on the insert so the table stays bounded without a separate
// janitor.
func (s *ActivityStore) Append(ctx context.Context, entry activity.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	const insert = `
INSERT INTO activity_log (source, type, status, message, details, ts)
VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := s.pool.Exec(ctx, insert,
		entry.Source, string(entry.Type), string(entry.Status),
		entry.Message, details, entry.TS); err != nil {
		return fmt.Errorf("insert activity entry: %w", err)
	}
	const evict = `
DELETE FROM activity_log
WHERE id IN (
	SELECT id FROM activity_log ORDER BY ts DESC OFFSET $1
)`
	if _, err := s.pool.Exec(ctx, evict, s.retention); err != nil {
		return fmt.Errorf("evict activity entries: %w", err)
	}
	return nil
}

// Query returns matching entries newest-first.
func (s *ActivityStore) Query(ctx context.Context, filter activity.Filter) ([]activity.Entry, error) {
	query := `
SELECT source, type, status, message, details, ts
FROM activity_log
WHERE ($1 = '' OR source = $1)
  AND ($2 = '' OR type = $2)
  AND ($3 = '' OR status = $3)
  AND ($4::timestamptz IS NULL OR ts >= $4)
ORDER BY ts DESC
LIMIT $5`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var since any
	if !filter.Since.IsZero() {
		since = filter.Since
	}
	rows, err := s.pool.Query(ctx, query,
		filter.Source, string(filter.Type), string(filter.Status), since, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity log: %w", err)
	}
	defer rows.Close()

	var out []activity.Entry
	for rows.Next() {
		var entry activity.Entry
		var typ, status string
		var details []byte
		if err := rows.Scan(&entry.Source, &typ, &status, &entry.Message, &details, &entry.TS); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		entry.Type = activity.Type(typ)
		entry.Status = activity.Status(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity log: %w", err)
	}
	return out, nil
}
