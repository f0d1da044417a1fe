package ratelimit

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryRateLimiter keeps a sliding log of accepted requests per key in process memory.
// Keys idle for a full window are evicted by the cache janitor.
type MemoryRateLimiter struct {
	config  *Config
	mu      sync.Mutex
	windows *gocache.Cache
	now     func() time.Time
}

func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		config:  config,
		windows: gocache.New(config.Window, 5*time.Minute),
		now:     time.Now,
	}
}

// Allow records the request under key when the window still has room.
func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (*RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.config.Window)

	var live []time.Time
	if v, ok := m.windows.Get(key); ok {
		for _, at := range v.([]time.Time) {
			if at.After(cutoff) {
				live = append(live, at)
			}
		}
	}

	result := &RateLimitResult{Limit: m.config.MaxRequests}
	if len(live) >= m.config.MaxRequests {
		// The oldest accepted request frees the next slot.
		result.ResetTime = live[0].Add(m.config.Window)
		m.windows.Set(key, live, gocache.DefaultExpiration)
		return result, nil
	}

	live = append(live, now)
	m.windows.Set(key, live, gocache.DefaultExpiration)
	result.Allowed = true
	result.Remaining = m.config.MaxRequests - len(live)
	result.ResetTime = live[0].Add(m.config.Window)
	return result, nil
}

// Close drops all windows. It is safe to call more than once.
func (m *MemoryRateLimiter) Close() error {
	m.windows.Flush()
	return nil
}
