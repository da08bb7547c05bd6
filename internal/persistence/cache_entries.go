package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CacheGet reads a durable cache value. found is false on a miss.
func (q *Queries) CacheGet(ctx context.Context, namespace, key string) (value []byte, found bool, err error) {
	err = q.q.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE namespace = ? AND key = ?;`,
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

// CacheSet upserts a durable cache value.
func (q *Queries) CacheSet(ctx context.Context, namespace, key string, value []byte) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO cache_entries (namespace, key, value, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, created_at = CURRENT_TIMESTAMP;
		`, namespace, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (q *Queries) CacheDelete(ctx context.Context, namespace, key string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ? AND key = ?;`, namespace, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// CacheClear removes every entry of one namespace.
func (q *Queries) CacheClear(ctx context.Context, namespace string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := q.q.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?;`, namespace)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// CacheCount returns the number of durable entries in a namespace.
func (q *Queries) CacheCount(ctx context.Context, namespace string) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE namespace = ?;`, namespace).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}
