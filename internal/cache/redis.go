package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed cache.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore is a Redis-backed TTL cache. Values are stored as JSON, so Get
// returns decoded generic values rather than the original Go types.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// NewRedisStore creates a Redis-backed cache.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "vbr-monitor"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Set stores value under key with the given TTL.
func (s *RedisStore) Set(key string, value any, ttl time.Duration) {
	if s == nil || s.client == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = s.client.Set(context.Background(), s.prefixed(key), payload, ttl).Err()
}

// Get returns the decoded value, or absence on miss, expiry, or decode failure.
func (s *RedisStore) Get(key string) (any, bool) {
	if s == nil || s.client == nil {
		return nil, false
	}
	raw, err := s.client.Get(context.Background(), s.prefixed(key)).Result()
	if err != nil {
		s.misses.Add(1)
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return value, true
}

// Delete removes key.
func (s *RedisStore) Delete(key string) {
	if s == nil || s.client == nil {
		return
	}
	_ = s.client.Del(context.Background(), s.prefixed(key)).Err()
}

// Clear removes every key in the store's namespace.
func (s *RedisStore) Clear() {
	if s == nil || s.client == nil {
		return
	}

	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.namespace+":*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// Stats returns hit/miss counters and the current namespaced key count.
func (s *RedisStore) Stats() Stats {
	stats := Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
	if s == nil || s.client == nil {
		return stats
	}

	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.namespace+":*", 100).Result()
		if err != nil {
			return stats
		}
		stats.Size += len(keys)
		if next == 0 {
			return stats
		}
		cursor = next
	}
}

// Healthy reports whether Redis answers a ping.
func (s *RedisStore) Healthy() bool {
	if s == nil || s.client == nil {
		return false
	}
	return s.client.Ping(context.Background()).Err() == nil
}

func (s *RedisStore) prefixed(key string) string {
	return s.namespace + ":" + key
}
