package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/theodoremui/moe-orchestrator/moecore"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis instance,
// matching core.DefaultRedisPrefix's purpose for schema caching.
const DefaultRedisPrefix = "moe:cache:"

// RedisBackend is the optional durable cache tier (spec.md §4.5), used
// when a deployment wants cache hits to survive an orchestrator restart
// or to be shared across replicas. Modeled on core.RedisSchemaCache:
// JSON-encoded values under a namespaced key, TTL delegated to Redis
// itself so expired entries are reclaimed without a sweep goroutine.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// RedisBackendOption customizes a RedisBackend.
type RedisBackendOption func(*RedisBackend)

// WithRedisPrefix overrides the default key prefix, useful for
// multi-tenant deployments sharing one Redis instance.
func WithRedisPrefix(prefix string) RedisBackendOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// NewRedisBackend wraps an existing redis.Client as a Cache Backend.
func NewRedisBackend(client *redis.Client, opts ...RedisBackendOption) *RedisBackend {
	b := &RedisBackend{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) key(fingerprint string) string {
	return b.prefix + fingerprint
}

// Get fetches and decodes the entry for fingerprint. Any Redis error or
// corrupt payload degrades to a miss rather than surfacing to the caller,
// since a cache is never allowed to fail a request that would otherwise
// succeed by recomputing.
func (b *RedisBackend) Get(ctx context.Context, fingerprint string) (moecore.CacheEntry, bool, error) {
	val, err := b.client.Get(ctx, b.key(fingerprint)).Result()
	if err == redis.Nil {
		return moecore.CacheEntry{}, false, nil
	}
	if err != nil {
		return moecore.CacheEntry{}, false, nil
	}

	var entry moecore.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return moecore.CacheEntry{}, false, nil
	}
	return entry, true, nil
}

// Put JSON-encodes entry and writes it with Redis's own TTL expiry.
func (b *RedisBackend) Put(ctx context.Context, entry moecore.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: marshal entry: %w", err)
	}
	if err := b.client.Set(ctx, b.key(entry.Fingerprint), data, entry.TTL).Err(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Clear removes every key under this backend's prefix. It scans instead of
// FLUSHDB so a shared Redis instance is never wiped for unrelated tenants.
func (b *RedisBackend) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}
