package ixmp

import (
	"context"
	"testing"
)

func TestNormalizeFilters(t *testing.T) {
	a := NormalizeFilters(map[string][]string{"node": {"World", "Austria"}, "year": {"2020"}})
	b := NormalizeFilters(map[string][]string{"year": {"2020"}, "node": {"Austria", "World"}})
	if a != b {
		t.Fatal("equivalent filter maps must hash identically")
	}
	c := NormalizeFilters(map[string][]string{"node": {"World"}})
	if a == c {
		t.Fatal("different filters must hash differently")
	}
	if NormalizeFilters(nil) != "" || NormalizeFilters(map[string][]string{}) != "" {
		t.Fatal("empty filters normalize to the empty hash")
	}
}

func TestInvalidationPatternMatches(t *testing.T) {
	key := CacheKey{Session: "h1", Kind: Par, Name: "capacity", FilterHash: "abc"}
	set := Set

	tests := []struct {
		name    string
		pattern InvalidationPattern
		want    bool
	}{
		{"session only", InvalidationPattern{Session: "h1"}, true},
		{"wrong session", InvalidationPattern{Session: "h2"}, false},
		{"session and kind", InvalidationPattern{Session: "h1", Kind: itemTypePtr(Par)}, true},
		{"wrong kind", InvalidationPattern{Session: "h1", Kind: &set}, false},
		{"item prefix", InvalidationPattern{Session: "h1", Kind: itemTypePtr(Par), Name: sptr("capacity")}, true},
		{"wrong name", InvalidationPattern{Session: "h1", Kind: itemTypePtr(Par), Name: sptr("cost")}, false},
		{"exact key", InvalidationPattern{Session: "h1", Kind: itemTypePtr(Par), Name: sptr("capacity"), FilterHash: sptr("abc")}, true},
		{"wrong hash", InvalidationPattern{Session: "h1", Kind: itemTypePtr(Par), Name: sptr("capacity"), FilterHash: sptr("xyz")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pattern.Matches(key); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func itemTypePtr(t ItemType) *ItemType { return &t }

func TestMemoryCacheStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCacheStore()
	defer store.Close()

	key := CacheKey{Session: "h1", Kind: Set, Name: "node"}
	value := &ItemData{Kind: Set, Name: "node", Keys: [][]string{{"World"}}}

	if _, ok, _ := store.Get(ctx, key); ok {
		t.Fatal("empty store should miss")
	}
	replaced, err := store.Put(ctx, key, value)
	if err != nil || replaced {
		t.Fatalf("first Put = (%v, %v), want (false, nil)", replaced, err)
	}
	replaced, err = store.Put(ctx, key, value)
	if err != nil || !replaced {
		t.Fatalf("second Put = (%v, %v), want (true, nil)", replaced, err)
	}

	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	// the store hands out copies, mutating a result must not leak back
	got.Keys[0][0] = "mutated"
	again, _, _ := store.Get(ctx, key)
	if again.Keys[0][0] != "World" {
		t.Fatal("cached value was mutated through a returned copy")
	}

	n, _ := store.Len(ctx)
	if n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	removed, err := store.Invalidate(ctx, InvalidationPattern{Session: "h1"})
	if err != nil || removed != 1 {
		t.Fatalf("Invalidate = (%d, %v), want (1, nil)", removed, err)
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Fatalf("Len after invalidate = %d, want 0", n)
	}
}

func TestMemoryCacheStorePrefixInvalidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCacheStore()
	value := &ItemData{}

	keys := []CacheKey{
		{Session: "h1", Kind: Par, Name: "capacity", FilterHash: ""},
		{Session: "h1", Kind: Par, Name: "capacity", FilterHash: "f1"},
		{Session: "h1", Kind: Par, Name: "cost", FilterHash: ""},
		{Session: "h2", Kind: Par, Name: "capacity", FilterHash: ""},
	}
	for _, k := range keys {
		if _, err := store.Put(ctx, k, value); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// session+kind+name removes every filter variant of one item
	removed, err := store.Invalidate(ctx, InvalidationPattern{
		Session: "h1", Kind: itemTypePtr(Par), Name: sptr("capacity"),
	})
	if err != nil || removed != 2 {
		t.Fatalf("Invalidate = (%d, %v), want (2, nil)", removed, err)
	}
	if n, _ := store.Len(ctx); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	if _, ok, _ := store.Get(ctx, keys[2]); !ok {
		t.Fatal("other items in the session must survive")
	}
	if _, ok, _ := store.Get(ctx, keys[3]); !ok {
		t.Fatal("other sessions must survive")
	}
}

func cachedMemory(t *testing.T) (*CachedBackend, *InMemoryMetrics) {
	t.Helper()
	inner, err := NewMemoryBackend(nil)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	metrics := NewInMemoryMetrics()
	return NewCachedBackend(inner, WithCacheMetrics(metrics)), metrics
}

func TestCachedBackendMemoizesReads(t *testing.T) {
	ctx := context.Background()
	c, metrics := cachedMemory(t)
	defer c.Close()

	s := newRun(t, c, "model", "baseline")
	if err := c.InitItem(ctx, s, Set, "node", nil, nil); err != nil {
		t.Fatalf("InitItem: %v", err)
	}
	if err := c.ItemSetElements(ctx, s, Set, "node", []Element{{Key: []string{"World"}}}); err != nil {
		t.Fatalf("ItemSetElements: %v", err)
	}

	key := CacheKey{Session: s.HandleID, Kind: Set, Name: "node"}
	if _, err := c.ItemGetElements(ctx, s, Set, "node", nil); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if c.HitCount(key) != 0 {
		t.Fatal("first read must come from the engine")
	}
	if _, err := c.ItemGetElements(ctx, s, Set, "node", nil); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if c.HitCount(key) != 1 {
		t.Fatalf("HitCount = %d, want 1", c.HitCount(key))
	}
	if metrics.Counter(MetricCacheHits) != 1 || metrics.Counter(MetricCacheMisses) != 1 {
		t.Fatalf("hits=%d misses=%d, want 1 and 1",
			metrics.Counter(MetricCacheHits), metrics.Counter(MetricCacheMisses))
	}
}

func TestCachedBackendWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	c, _ := cachedMemory(t)
	defer c.Close()

	s := newRun(t, c, "model", "baseline")
	if err := c.InitItem(ctx, s, Set, "node", nil, nil); err != nil {
		t.Fatalf("InitItem: %v", err)
	}
	if err := c.ItemSetElements(ctx, s, Set, "node", []Element{{Key: []string{"World"}}}); err != nil {
		t.Fatalf("ItemSetElements: %v", err)
	}
	if _, err := c.ItemGetElements(ctx, s, Set, "node", nil); err != nil {
		t.Fatalf("warm read: %v", err)
	}

	// a write drops the memoized entry, the next read sees fresh data
	if err := c.ItemSetElements(ctx, s, Set, "node", []Element{{Key: []string{"Austria"}}}); err != nil {
		t.Fatalf("ItemSetElements: %v", err)
	}
	data, err := c.ItemGetElements(ctx, s, Set, "node", nil)
	if err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if data.Len() != 2 {
		t.Fatalf("stale read: got %d keys, want 2", data.Len())
	}
}

func TestCachedBackendDiscardInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	c, _ := cachedMemory(t)
	defer c.Close()

	s := newRun(t, c, "model", "baseline")
	if err := c.InitItem(ctx, s, Set, "node", nil, nil); err != nil {
		t.Fatalf("InitItem: %v", err)
	}
	if err := c.ItemSetElements(ctx, s, Set, "node", []Element{{Key: []string{"World"}}}); err != nil {
		t.Fatalf("ItemSetElements: %v", err)
	}
	commitRun(t, c, s)

	if err := c.CheckOut(ctx, s); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if err := c.ItemSetElements(ctx, s, Set, "node", []Element{{Key: []string{"Austria"}}}); err != nil {
		t.Fatalf("ItemSetElements: %v", err)
	}
	if _, err := c.ItemGetElements(ctx, s, Set, "node", nil); err != nil {
		t.Fatalf("warm read: %v", err)
	}
	if err := c.DiscardChanges(ctx, s); err != nil {
		t.Fatalf("DiscardChanges: %v", err)
	}
	data, err := c.ItemGetElements(ctx, s, Set, "node", nil)
	if err != nil {
		t.Fatalf("read after discard: %v", err)
	}
	if data.Len() != 1 || data.Keys[0][0] != "World" {
		t.Fatalf("read after discard = %v, want committed [World]", data.Keys)
	}
}

func TestCachedBackendDisabled(t *testing.T) {
	ctx := context.Background()
	inner, err := NewMemoryBackend(nil)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	c := NewCachedBackend(inner, WithCacheDisabled())
	defer c.Close()

	s := newRun(t, c, "model", "baseline")
	if err := c.InitItem(ctx, s, Set, "node", nil, nil); err != nil {
		t.Fatalf("InitItem: %v", err)
	}
	key := CacheKey{Session: s.HandleID, Kind: Set, Name: "node"}
	for i := 0; i < 3; i++ {
		if _, err := c.ItemGetElements(ctx, s, Set, "node", nil); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if c.HitCount(key) != 0 {
		t.Fatal("disabled cache must never hit")
	}

	c.SetEnabled(true)
	if !c.Enabled() {
		t.Fatal("SetEnabled(true) should re-enable the cache")
	}
	c.ItemGetElements(ctx, s, Set, "node", nil)
	c.ItemGetElements(ctx, s, Set, "node", nil)
	if c.HitCount(key) != 1 {
		t.Fatalf("HitCount after enabling = %d, want 1", c.HitCount(key))
	}
}

func TestCachedBackendUnwrap(t *testing.T) {
	inner, err := NewMemoryBackend(nil)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	c := NewCachedBackend(inner)
	if c.Unwrap() != Backend(inner) {
		t.Fatal("Unwrap must return the inner backend")
	}
	if unwrapBackend(c) != Backend(inner) {
		t.Fatal("unwrapBackend must strip the caching layer")
	}
	if unwrapBackend(inner) != Backend(inner) {
		t.Fatal("unwrapBackend on a bare backend is the identity")
	}
}
