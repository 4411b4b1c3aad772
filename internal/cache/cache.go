// Package cache memoizes expensive model-derived results under one of two
// freshness policies: existence (a stored entry is always served) or expiry
// (an entry is served only while younger than a window).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry is a stored value and the time it was written.
type Entry struct {
	Value      []byte    `json:"value"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Backend persists raw entries. Get reports ok=false for a missing key.
// ttl is the longest time the entry can still be served, 0 for no limit;
// backends may use it to evict on their own.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Policy decides whether a stored entry may still be served.
type Policy struct {
	window time.Duration
}

// Existence serves any stored entry regardless of age.
func Existence() Policy { return Policy{} }

// Expiry serves entries strictly younger than d.
func Expiry(d time.Duration) Policy { return Policy{window: d} }

// Window returns the expiry window, or 0 for the existence policy.
func (p Policy) Window() time.Duration { return p.window }

// Fresh reports whether an entry written at insertedAt is servable at now.
func (p Policy) Fresh(insertedAt, now time.Time) bool {
	if p.window <= 0 {
		return true
	}
	return now.Sub(insertedAt) < p.window
}

func (p Policy) String() string {
	if p.window <= 0 {
		return "existence"
	}
	return "expiry(" + p.window.String() + ")"
}

// Cache is a typed view over a Backend. Values are stored as JSON. Backend
// failures are logged and treated as misses so a broken cache never fails a
// request.
type Cache[V any] struct {
	backend Backend
	name    string
	policy  Policy
	clock   Clock
	group   singleflight.Group
}

// New creates a cache whose keys are namespaced by name.
func New[V any](b Backend, name string, p Policy) *Cache[V] {
	return NewWithClock[V](b, name, p, realClock{})
}

// NewWithClock creates a cache with a custom clock (for testing).
func NewWithClock[V any](b Backend, name string, p Policy, clock Clock) *Cache[V] {
	return &Cache[V]{backend: b, name: name, policy: p, clock: clock}
}

// Policy returns the freshness policy of this cache.
func (c *Cache[V]) Policy() Policy { return c.policy }

func (c *Cache[V]) fullKey(key string) string {
	return c.name + ":" + key
}

// Get returns the cached value for key if present and fresh.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	e, ok, err := c.backend.Get(ctx, c.fullKey(key))
	if err != nil {
		slog.Warn("cache lookup failed", "cache", c.name, "error", err)
		return zero, false
	}
	if !ok || !c.policy.Fresh(e.InsertedAt, c.clock.Now()) {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(e.Value, &v); err != nil {
		slog.Warn("discarding undecodable cache entry", "cache", c.name, "error", err)
		return zero, false
	}
	return v, true
}

// Set stores v under key, stamped with the current time.
func (c *Cache[V]) Set(ctx context.Context, key string, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s cache value: %w", c.name, err)
	}
	if err := c.backend.Set(ctx, c.fullKey(key), Entry{Value: data, InsertedAt: c.clock.Now()}, c.policy.Window()); err != nil {
		return fmt.Errorf("writing %s cache entry: %w", c.name, err)
	}
	return nil
}

// Delete drops key from the backend.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, c.fullKey(key))
}

// GetOrCompute returns the cached value for key, or runs compute once (even
// under concurrent callers) and stores its result. Compute errors are
// returned and nothing is stored.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		if err := c.Set(ctx, key, v); err != nil {
			slog.Warn("cache store failed", "cache", c.name, "error", err)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}
