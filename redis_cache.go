package ixmp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisCacheStore keeps memoized item reads in Redis, so several
// processes sharing one platform share warmed reads. The session handle
// component still scopes entries to one in-memory handle; sharing happens
// when handles are resurrected from the same process or a sidecar keeps
// the store warm.
//
// Key layout: <prefix>:<session>:<kind>:<name>:<filterhash>
type RedisCacheStore struct {
	client     *redis.Client
	prefix     string
	ownsClient bool
}

const defaultRedisCachePrefix = "ixmp:cache"

// NewRedisCacheStore creates a store over an existing client
func NewRedisCacheStore(client *redis.Client) *RedisCacheStore {
	return &RedisCacheStore{
		client: client,
		prefix: defaultRedisCachePrefix,
	}
}

// NewRedisCacheStoreWithOwnedClient creates a store that closes the
// client when the store is closed
func NewRedisCacheStoreWithOwnedClient(client *redis.Client) *RedisCacheStore {
	return &RedisCacheStore{
		client:     client,
		prefix:     defaultRedisCachePrefix,
		ownsClient: true,
	}
}

// WithPrefix changes the key namespace (for test isolation)
func (s *RedisCacheStore) WithPrefix(prefix string) *RedisCacheStore {
	s.prefix = prefix
	return s
}

func (s *RedisCacheStore) redisKey(key CacheKey) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", s.prefix, key.Session, uint8(key.Kind), key.Name, key.FilterHash)
}

// escapeGlob escapes SCAN MATCH metacharacters in key components
func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func (s *RedisCacheStore) matchPattern(p InvalidationPattern) string {
	parts := []string{s.prefix, escapeGlob(p.Session)}
	if p.Kind != nil {
		parts = append(parts, fmt.Sprintf("%d", uint8(*p.Kind)))
		if p.Name != nil {
			parts = append(parts, escapeGlob(*p.Name))
			if p.FilterHash != nil {
				parts = append(parts, escapeGlob(*p.FilterHash))
				return strings.Join(parts, ":")
			}
		}
	}
	return strings.Join(parts, ":") + ":*"
}

func (s *RedisCacheStore) Get(ctx context.Context, key CacheKey) (*ItemData, bool, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": "redis cache",
			"error": err.Error(),
		})
	}
	var data ItemData
	if err := json.Unmarshal(raw, &data); err != nil {
		// A corrupt entry is treated as a miss, never surfaced to reads
		s.client.Del(ctx, s.redisKey(key))
		return nil, false, nil
	}
	return &data, true, nil
}

func (s *RedisCacheStore) Put(ctx context.Context, key CacheKey, value *ItemData) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, WithContext(ErrInvalidData, map[string]interface{}{
			"item":  value.Name,
			"error": err.Error(),
		})
	}
	rk := s.redisKey(key)
	existed, err := s.client.Exists(ctx, rk).Result()
	if err != nil {
		return false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": "redis cache",
			"error": err.Error(),
		})
	}
	if err := s.client.Set(ctx, rk, raw, 0).Err(); err != nil {
		return false, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": "redis cache",
			"error": err.Error(),
		})
	}
	return existed > 0, nil
}

func (s *RedisCacheStore) Invalidate(ctx context.Context, pattern InvalidationPattern) (int, error) {
	match := s.matchPattern(pattern)
	removed := 0
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"store": "redis cache",
			"error": err.Error(),
		})
	}
	if len(keys) > 0 {
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, WithContext(ErrBackendUnavailable, map[string]interface{}{
				"store": "redis cache",
				"error": err.Error(),
			})
		}
		removed = int(n)
	}
	return removed, nil
}

func (s *RedisCacheStore) Len(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisCacheStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
