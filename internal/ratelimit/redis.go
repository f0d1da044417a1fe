package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter implements distributed rate limiting using Redis
// Uses sliding window algorithm with sorted sets
type RedisRateLimiter struct {
	client    redis.UniversalClient
	config    *Config
	keyPrefix string
}

// NewRedisRateLimiter shares client with the rest of the server; Close leaves it open.
func NewRedisRateLimiter(client redis.UniversalClient, keyPrefix string, config *Config) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:    client,
		config:    config,
		keyPrefix: keyPrefix,
	}
}

// Allow checks if a request should be allowed using sliding window algorithm
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	redisKey := r.keyPrefix + "ratelimit:" + key

	pipe := r.client.TxPipeline()

	// Drop entries that slid out of the window, then count what is left.
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)

	// Members must be unique even when two requests share a timestamp.
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, redisKey, r.config.Window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	// count is taken before this request was added
	count := int(countCmd.Val())
	resetTime := now.Add(r.config.Window)

	if count >= r.config.MaxRequests {
		return &RateLimitResult{
			Allowed:   false,
			Limit:     r.config.MaxRequests,
			Remaining: 0,
			ResetTime: resetTime,
		}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     r.config.MaxRequests,
		Remaining: r.config.MaxRequests - count - 1,
		ResetTime: resetTime,
	}, nil
}

func (r *RedisRateLimiter) Close() error {
	return nil
}
