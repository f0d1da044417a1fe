// Package cache keeps hot client registrations close to the token endpoint.
package cache

import (
	"context"
	"errors"
	"time"

	"authz-server/internal/registry"
)

// Cache stores client registrations keyed by client id.
type Cache interface {
	GetClient(ctx context.Context, clientID string) (*registry.Client, error)
	SetClient(ctx context.Context, clientID string, client *registry.Client, ttl time.Duration) error
	InvalidateClient(ctx context.Context, clientID string) error

	Ping(ctx context.Context) error
	Close() error
	GetStats() CacheStats
}

// CacheStats holds cache performance metrics
type CacheStats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// ErrCacheMiss is returned when a key is not found in the cache
var ErrCacheMiss = errors.New("cache miss")

// CacheError represents a cache-specific error
type CacheError struct {
	Message string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// IsCacheMiss returns true if the error is a cache miss
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
