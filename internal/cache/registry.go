package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"authz-server/internal/logging"
	"authz-server/internal/registry"
)

// CachedRegistry serves client lookups from a Cache and falls back to the wrapped registry.
// Concurrent misses for the same client share a single backend read.
type CachedRegistry struct {
	inner registry.Registry
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

func NewCachedRegistry(inner registry.Registry, cache Cache, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{inner: inner, cache: cache, ttl: ttl}
}

func (r *CachedRegistry) GetClient(ctx context.Context, id string) (*registry.Client, error) {
	if client, err := r.cache.GetClient(ctx, id); err == nil {
		return client, nil
	} else if !IsCacheMiss(err) {
		logging.FromContext(ctx).WarnEvent().Err(err).Str("client_id", id).Msg("client cache read failed")
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		client, err := r.inner.GetClient(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := r.cache.SetClient(ctx, id, client, r.ttl); err != nil {
			logging.FromContext(ctx).WarnEvent().Err(err).Str("client_id", id).Msg("client cache write failed")
		}
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*registry.Client)
	return &cp, nil
}

func (r *CachedRegistry) GetScopes(ctx context.Context, names []string) ([]*registry.Scope, error) {
	return r.inner.GetScopes(ctx, names)
}

func (r *CachedRegistry) ListScopes(ctx context.Context) ([]*registry.Scope, error) {
	return r.inner.ListScopes(ctx)
}

// Invalidate drops a client so the next lookup reads the backing registry.
func (r *CachedRegistry) Invalidate(ctx context.Context, id string) error {
	return r.cache.InvalidateClient(ctx, id)
}
