package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/kbchat/internal/storage"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("backend down")
}
func (failingBackend) Set(context.Context, string, Entry, time.Duration) error {
	return errors.New("backend down")
}
func (failingBackend) Delete(context.Context, string) error { return errors.New("backend down") }

func TestPolicyFresh(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		policy Policy
		age    time.Duration
		want   bool
	}{
		{"existence fresh", Existence(), 0, true},
		{"existence ancient", Existence(), 365 * 24 * time.Hour, true},
		{"expiry inside window", Expiry(time.Hour), 59 * time.Minute, true},
		{"expiry at window", Expiry(time.Hour), time.Hour, false},
		{"expiry past window", Expiry(time.Hour), 2 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Fresh(base, base.Add(tt.age)); got != tt.want {
				t.Errorf("Fresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExistencePolicy_ServesForever(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	c := NewWithClock[string](NewMemory(), "customer", Existence(), clock)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "acme"); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Set(ctx, "acme", "Acme makes anvils."); err != nil {
		t.Fatal(err)
	}
	clock.Advance(1000 * time.Hour)

	got, ok := c.Get(ctx, "acme")
	if !ok || got != "Acme makes anvils." {
		t.Errorf("Get = %q, %v", got, ok)
	}
}

func TestExpiryPolicy_GoesStale(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	c := NewWithClock[map[string]string](NewMemory(), "details", Expiry(24*time.Hour), clock)
	ctx := context.Background()

	want := map[string]string{"overview": "o", "pricing": "p"}
	if err := c.Set(ctx, "widget", want); err != nil {
		t.Fatal(err)
	}

	clock.Advance(23 * time.Hour)
	got, ok := c.Get(ctx, "widget")
	if !ok || got["overview"] != "o" {
		t.Fatalf("within window: Get = %v, %v", got, ok)
	}

	clock.Advance(2 * time.Hour)
	if _, ok := c.Get(ctx, "widget"); ok {
		t.Error("expected miss after expiry window")
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	b := NewMemory()
	a := New[string](b, "a", Existence())
	z := New[string](b, "z", Existence())
	ctx := context.Background()

	if err := a.Set(ctx, "k", "from-a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := z.Get(ctx, "k"); ok {
		t.Error("cache z saw cache a's entry")
	}
}

func TestBackendFailureIsMiss(t *testing.T) {
	c := New[string](failingBackend{}, "x", Existence())
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Error("expected miss when backend fails")
	}
	if err := c.Set(context.Background(), "k", "v"); err == nil {
		t.Error("expected Set error when backend fails")
	}
}

func TestGetOrCompute_ComputesOnce(t *testing.T) {
	c := New[string](NewMemory(), "desc", Existence())
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "computed", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(ctx, "k", compute)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("compute called %d times, want 1", n)
	}
	for i, v := range results {
		if v != "computed" {
			t.Errorf("results[%d] = %q", i, v)
		}
	}

	if _, err := c.GetOrCompute(ctx, "k", func(context.Context) (string, error) {
		t.Error("compute called on cache hit")
		return "", nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestGetOrCompute_ErrorNotStored(t *testing.T) {
	c := New[string](NewMemory(), "desc", Existence())
	ctx := context.Background()

	if _, err := c.GetOrCompute(ctx, "k", func(context.Context) (string, error) {
		return "", errors.New("model unavailable")
	}); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("failed computation must not be cached")
	}
}

func TestSQLiteBackend(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &mockClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := NewWithClock[[]string](NewSQLite(store), "questions", Expiry(time.Hour), clock)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "acme"); ok {
		t.Fatal("expected miss")
	}
	if err := c.Set(ctx, "acme", []string{"What do you sell?"}); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Get(ctx, "acme")
	if !ok || len(got) != 1 || got[0] != "What do you sell?" {
		t.Errorf("Get = %v, %v", got, ok)
	}

	clock.Advance(time.Hour)
	if _, ok := c.Get(ctx, "acme"); ok {
		t.Error("expected miss after expiry")
	}

	if err := c.Delete(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
}

func TestKeyIsCanonical(t *testing.T) {
	a, err := Key(map[string]any{"customer": "Acme", "limit": 5})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Key(struct {
		Limit    int    `json:"limit"`
		Customer string `json:"customer"`
	}{5, "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("equivalent values produced different keys: %s vs %s", a, b)
	}

	c, _ := Key(map[string]any{"customer": "Acme", "limit": 6})
	if a == c {
		t.Error("different values produced the same key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}
