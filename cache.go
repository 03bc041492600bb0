package ixmp

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

// CacheKey identifies one memoized item read. FilterHash is the
// normalized hash of the filter set; it is empty for the "everything"
// entry (no filters). Keys are structured records rather than tuples so
// prefix invalidation is explicit field comparison.
type CacheKey struct {
	Session    string
	Kind       ItemType
	Name       string
	FilterHash string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Session, k.Kind, k.Name, k.FilterHash)
}

// InvalidationPattern matches cache keys by prefix. Session is always
// required; Kind+Name narrow to one item; FilterHash narrows to one exact
// key. Optional fields are pointers so "not given" and "zero" stay
// distinguishable.
type InvalidationPattern struct {
	Session    string
	Kind       *ItemType
	Name       *string
	FilterHash *string
}

// Matches compares the pattern against a key field by field, up to the
// fields the pattern actually sets
func (p InvalidationPattern) Matches(k CacheKey) bool {
	if k.Session != p.Session {
		return false
	}
	if p.Kind == nil {
		return true
	}
	if k.Kind != *p.Kind {
		return false
	}
	if p.Name == nil {
		return true
	}
	if k.Name != *p.Name {
		return false
	}
	if p.FilterHash == nil {
		return true
	}
	return k.FilterHash == *p.FilterHash
}

// NormalizeFilters reduces a filter mapping to a stable hash: dimensions
// sorted, values per dimension sorted, so equivalent filter maps collide
// to the same key regardless of insertion order. Empty or nil filters
// normalize to the empty hash (the "everything" entry).
func NormalizeFilters(filters map[string][]string) string {
	if len(filters) == 0 {
		return ""
	}
	dims := make([]string, 0, len(filters))
	for d := range filters {
		dims = append(dims, d)
	}
	sort.Strings(dims)

	var b strings.Builder
	for _, d := range dims {
		vals := append([]string(nil), filters[d]...)
		sort.Strings(vals)
		b.WriteString(d)
		b.WriteString("=")
		b.WriteString(strings.Join(vals, "\x1f"))
		b.WriteString("\x1e")
	}
	h := fnv.New64a()
	h.Write([]byte(b.String()))
	return fmt.Sprintf("%016x", h.Sum64())
}

// CacheStore holds memoized item reads. Implementations: in-process map
// (MemoryCacheStore) and Redis (RedisCacheStore), so several processes
// sharing one platform can share warmed reads.
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) (*ItemData, bool, error)
	// Put stores the value, reporting whether it replaced an existing entry
	Put(ctx context.Context, key CacheKey, value *ItemData) (bool, error)
	// Invalidate removes every key the pattern matches, returning the count
	Invalidate(ctx context.Context, pattern InvalidationPattern) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryCacheStore is the default in-process cache store
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[CacheKey]*ItemData
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		entries: make(map[CacheKey]*ItemData),
	}
}

func (s *MemoryCacheStore) Get(ctx context.Context, key CacheKey) (*ItemData, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return v.Copy(), true, nil
}

func (s *MemoryCacheStore) Put(ctx context.Context, key CacheKey, value *ItemData) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.entries[key]
	s.entries[key] = value.Copy()
	return replaced, nil
}

func (s *MemoryCacheStore) Invalidate(ctx context.Context, pattern InvalidationPattern) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.entries {
		if pattern.Matches(k) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryCacheStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryCacheStore) Close() error {
	return nil
}

// CachedBackend wraps any Backend and memoizes ItemGetElements results.
// Item definitions rarely change inside a session, so repeated reads of
// static data skip the engine; every write, checkout, discard and
// solution removal invalidates the affected entries so reads are never
// stale. Caching may be disabled per instance, turning the cache into a
// store-and-discard no-op.
type CachedBackend struct {
	Backend

	store   CacheStore
	metrics Metrics
	logger  Logger

	enabled bool

	mu   sync.Mutex
	hits map[CacheKey]int
}

// CacheOption configures a CachedBackend
type CacheOption func(*CachedBackend)

// WithCacheStore replaces the default in-process store
func WithCacheStore(store CacheStore) CacheOption {
	return func(c *CachedBackend) { c.store = store }
}

// WithCacheMetrics attaches a metrics collector
func WithCacheMetrics(m Metrics) CacheOption {
	return func(c *CachedBackend) { c.metrics = m }
}

// WithCacheLogger attaches a logger
func WithCacheLogger(l Logger) CacheOption {
	return func(c *CachedBackend) { c.logger = l }
}

// WithCacheDisabled builds the decorator with caching switched off
func WithCacheDisabled() CacheOption {
	return func(c *CachedBackend) { c.enabled = false }
}

// NewCachedBackend wraps a Backend with the caching decorator
func NewCachedBackend(inner Backend, opts ...CacheOption) *CachedBackend {
	c := &CachedBackend{
		Backend: inner,
		store:   NewMemoryCacheStore(),
		metrics: &NoOpMetrics{},
		logger:  &NoOpLogger{},
		enabled: true,
		hits:    make(map[CacheKey]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Unwrap returns the decorated Backend, so engines can recognize their
// own kind behind the decorator when bridging a clone
func (c *CachedBackend) Unwrap() Backend {
	return c.Backend
}

// unwrapBackend strips any cache decorators off a Backend
func unwrapBackend(b Backend) Backend {
	for {
		cb, ok := b.(*CachedBackend)
		if !ok {
			return b
		}
		b = cb.Backend
	}
}

// SetEnabled switches caching on or off; switching off drops nothing, it
// just bypasses the store until re-enabled
func (c *CachedBackend) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Enabled reports whether caching is active
func (c *CachedBackend) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// CacheGet returns a defensive copy of the cached value for key, if
// present and caching is enabled. A hit increments the per-key hit
// counter.
func (c *CachedBackend) CacheGet(ctx context.Context, key CacheKey) (*ItemData, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.metrics.Increment(MetricCacheMisses, "kind", key.Kind.String())
		return nil, false, nil
	}
	c.mu.Lock()
	c.hits[key]++
	c.mu.Unlock()
	c.metrics.Increment(MetricCacheHits, "kind", key.Kind.String())
	return v, true, nil
}

// CachePut stores a value, reporting whether it replaced a prior entry
func (c *CachedBackend) CachePut(ctx context.Context, key CacheKey, value *ItemData) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}
	replaced, err := c.store.Put(ctx, key, value)
	if err != nil {
		return false, err
	}
	c.metrics.Increment(MetricCachePuts, "kind", key.Kind.String())
	if n, lenErr := c.store.Len(ctx); lenErr == nil {
		c.metrics.Gauge(MetricCacheSize, float64(n))
	}
	return replaced, nil
}

// CacheInvalidate removes cached entries by prefix. Only session given
// removes everything cached for that handle; session+kind+name removes
// every filter variant of one item; all four remove exactly one key.
func (c *CachedBackend) CacheInvalidate(ctx context.Context, pattern InvalidationPattern) (int, error) {
	removed, err := c.store.Invalidate(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.metrics.Increment(MetricCacheInvalidations)
	}
	c.mu.Lock()
	for k := range c.hits {
		if pattern.Matches(k) {
			delete(c.hits, k)
		}
	}
	c.mu.Unlock()
	return removed, nil
}

// HitCount returns the diagnostic hit counter for a key
func (c *CachedBackend) HitCount(key CacheKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[key]
}

// InvalidateSession drops every cache entry scoped to a session handle.
// Called when a handle is closed.
func (c *CachedBackend) InvalidateSession(ctx context.Context, handleID string) error {
	_, err := c.CacheInvalidate(ctx, InvalidationPattern{Session: handleID})
	return err
}

func (c *CachedBackend) invalidateItem(ctx context.Context, s *Session, kind ItemType, name string) {
	_, err := c.CacheInvalidate(ctx, InvalidationPattern{
		Session: s.HandleID,
		Kind:    &kind,
		Name:    &name,
	})
	if err != nil {
		c.logger.Warn("cache invalidation failed", "item", name, "error", err)
	}
}

func (c *CachedBackend) invalidateAll(ctx context.Context, s *Session) {
	_, err := c.CacheInvalidate(ctx, InvalidationPattern{Session: s.HandleID})
	if err != nil {
		c.logger.Warn("cache invalidation failed", "session", s.HandleID, "error", err)
	}
}

// Intercepted Backend operations

func (c *CachedBackend) ItemGetElements(ctx context.Context, s *Session, kind ItemType, name string, filters map[string][]string) (*ItemData, error) {
	key := CacheKey{
		Session:    s.HandleID,
		Kind:       kind,
		Name:       name,
		FilterHash: NormalizeFilters(filters),
	}
	if v, ok, err := c.CacheGet(ctx, key); err == nil && ok {
		return v, nil
	}

	data, err := c.Backend.ItemGetElements(ctx, s, kind, name, filters)
	if err != nil {
		return nil, err
	}
	if _, err := c.CachePut(ctx, key, data); err != nil {
		c.logger.Warn("cache put failed", "item", name, "error", err)
	}
	return data, nil
}

func (c *CachedBackend) ItemSetElements(ctx context.Context, s *Session, kind ItemType, name string, elements []Element) error {
	if err := c.Backend.ItemSetElements(ctx, s, kind, name, elements); err != nil {
		return err
	}
	c.invalidateItem(ctx, s, kind, name)
	return nil
}

func (c *CachedBackend) ItemDeleteElements(ctx context.Context, s *Session, kind ItemType, name string, keys [][]string) error {
	if err := c.Backend.ItemDeleteElements(ctx, s, kind, name, keys); err != nil {
		return err
	}
	c.invalidateItem(ctx, s, kind, name)
	return nil
}

func (c *CachedBackend) InitItem(ctx context.Context, s *Session, kind ItemType, name string, indexSets, indexNames []string) error {
	if err := c.Backend.InitItem(ctx, s, kind, name, indexSets, indexNames); err != nil {
		return err
	}
	c.invalidateItem(ctx, s, kind, name)
	return nil
}

func (c *CachedBackend) DeleteItem(ctx context.Context, s *Session, kind ItemType, name string) error {
	if err := c.Backend.DeleteItem(ctx, s, kind, name); err != nil {
		return err
	}
	c.invalidateItem(ctx, s, kind, name)
	return nil
}

func (c *CachedBackend) CheckOut(ctx context.Context, s *Session) error {
	if err := c.Backend.CheckOut(ctx, s); err != nil {
		return err
	}
	c.invalidateAll(ctx, s)
	return nil
}

func (c *CachedBackend) DiscardChanges(ctx context.Context, s *Session) error {
	if err := c.Backend.DiscardChanges(ctx, s); err != nil {
		return err
	}
	c.invalidateAll(ctx, s)
	return nil
}

func (c *CachedBackend) ClearSolution(ctx context.Context, s *Session, fromYear int) error {
	if err := c.Backend.ClearSolution(ctx, s, fromYear); err != nil {
		return err
	}
	c.invalidateAll(ctx, s)
	return nil
}

func (c *CachedBackend) Close() error {
	if err := c.store.Close(); err != nil {
		c.logger.Warn("cache store close failed", "error", err)
	}
	return c.Backend.Close()
}
