package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"authz-server/internal/registry"
)

// RedisClient defines the interface for Redis operations needed by the cache
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache implements Cache on top of Redis string keys holding JSON.
type RedisCache struct {
	client RedisClient
	prefix string
	hits   int64
	misses int64
	errors int64
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(client RedisClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(clientID string) string {
	return c.prefix + "client:" + clientID
}

func (c *RedisCache) GetClient(ctx context.Context, clientID string) (*registry.Client, error) {
	data, err := c.client.Get(ctx, c.key(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&c.misses, 1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return nil, &CacheError{Message: "failed to get client from cache", Err: err}
	}

	var client registry.Client
	if err := json.Unmarshal(data, &client); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return nil, &CacheError{Message: "failed to unmarshal client", Err: err}
	}

	atomic.AddInt64(&c.hits, 1)
	return &client, nil
}

func (c *RedisCache) SetClient(ctx context.Context, clientID string, client *registry.Client, ttl time.Duration) error {
	data, err := json.Marshal(client)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to marshal client", Err: err}
	}

	if err := c.client.Set(ctx, c.key(clientID), data, ttl).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to set client in cache", Err: err}
	}
	return nil
}

func (c *RedisCache) InvalidateClient(ctx context.Context, clientID string) error {
	if err := c.client.Del(ctx, c.key(clientID)).Err(); err != nil {
		atomic.AddInt64(&c.errors, 1)
		return &CacheError{Message: "failed to invalidate client", Err: err}
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return &CacheError{Message: "redis ping failed", Err: err}
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller and shared with the grant store.
func (c *RedisCache) Close() error {
	return nil
}

// GetStats returns cache performance statistics
func (c *RedisCache) GetStats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Errors: atomic.LoadInt64(&c.errors),
	}
}
