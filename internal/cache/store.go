package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/kbchat/internal/storage"
)

// EntryStore is the subset of storage.Store used for persisted entries.
type EntryStore interface {
	GetCacheEntry(ctx context.Context, key string) ([]byte, time.Time, error)
	PutCacheEntry(ctx context.Context, key string, value []byte, insertedAt time.Time) error
	DeleteCacheEntry(ctx context.Context, key string) error
}

// SQLite persists entries in the service database so they survive restarts.
type SQLite struct {
	store EntryStore
}

func NewSQLite(store EntryStore) *SQLite {
	return &SQLite{store: store}
}

func (s *SQLite) Get(ctx context.Context, key string) (Entry, bool, error) {
	val, at, err := s.store.GetCacheEntry(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Value: val, InsertedAt: at}, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, e Entry, _ time.Duration) error {
	return s.store.PutCacheEntry(ctx, key, e.Value, e.InsertedAt)
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.store.DeleteCacheEntry(ctx, key)
}
