package cache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"authz-server/internal/registry"
)

// MemoryCache keeps clients in process memory for single-node deployments.
type MemoryCache struct {
	store  *gocache.Cache
	hits   int64
	misses int64
}

func NewMemoryCache(defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{store: gocache.New(defaultTTL, time.Minute)}
}

func (m *MemoryCache) GetClient(_ context.Context, clientID string) (*registry.Client, error) {
	v, ok := m.store.Get(clientID)
	if !ok {
		atomic.AddInt64(&m.misses, 1)
		return nil, ErrCacheMiss
	}
	atomic.AddInt64(&m.hits, 1)
	cp := *v.(*registry.Client)
	return &cp, nil
}

func (m *MemoryCache) SetClient(_ context.Context, clientID string, client *registry.Client, ttl time.Duration) error {
	cp := *client
	m.store.Set(clientID, &cp, ttl)
	return nil
}

func (m *MemoryCache) InvalidateClient(_ context.Context, clientID string) error {
	m.store.Delete(clientID)
	return nil
}

func (m *MemoryCache) Ping(context.Context) error { return nil }

func (m *MemoryCache) Close() error {
	m.store.Flush()
	return nil
}

func (m *MemoryCache) GetStats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&m.hits),
		Misses: atomic.LoadInt64(&m.misses),
	}
}
