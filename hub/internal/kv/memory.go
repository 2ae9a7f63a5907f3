package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
)

const (
	defaultMaxItems = 100000
	cleanupInterval = time.Minute
)

// MemoryCache is a process-local Cache backed by an LRU with expiry. It is
// the default for single-instance deployments and tests.
type MemoryCache struct {
	// mu makes read-modify-write sequences atomic.
	mu    sync.Mutex
	items *lrucache.Cache
}

// NewMemory creates an in-memory cache bounded to maxItems entries.
func NewMemory(maxItems int) *MemoryCache {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	return &MemoryCache{
		items: lrucache.NewWithLRU(lrucache.NoExpiration, cleanupInterval, maxItems),
	}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return lrucache.NoExpiration
	}
	return ttl
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items.Get(key)
	if !ok {
		return nil, nil
	}
	switch val := v.(type) {
	case []byte:
		return append([]byte(nil), val...), nil
	case int64:
		return strconv.AppendInt(nil, val, 10), nil
	default:
		return nil, nil
	}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Set(key, append([]byte(nil), value...), expiration(ttl))
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items.Get(key); !ok {
		return false, nil
	}
	c.items.Delete(key)
	return true, nil
}

func (c *MemoryCache) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if v, ok := c.items.Get(key); ok {
		switch val := v.(type) {
		case int64:
			total = val
		case []byte:
			total, _ = strconv.ParseInt(string(val), 10, 64)
		}
	}
	total += delta
	c.items.Set(key, total, expiration(ttl))
	return total, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }
