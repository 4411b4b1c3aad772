package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetCacheEntry returns the raw value stored under key and the time it was
// written.
func (s *Store) GetCacheEntry(ctx context.Context, key string) ([]byte, time.Time, error) {
	var value []byte
	var insertedAt string
	err := s.db.QueryRowContext(ctx, `SELECT value, inserted_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &insertedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, insertedAt)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parsing inserted_at: %w", err)
	}
	return value, t, nil
}

func (s *Store) PutCacheEntry(ctx context.Context, key string, value []byte, insertedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, inserted_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, inserted_at = excluded.inserted_at`,
		key, value, insertedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}
