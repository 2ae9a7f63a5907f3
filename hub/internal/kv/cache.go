// Package kv provides the shared key-value cache behind challenges, sessions
// and usage counters. Every backend offers TTL'd values, an atomic
// delete-if-present and an atomic increment, so several hub instances can
// share one cache.
package kv

import (
	"context"
	"time"
)

// Cache is a key-value store with per-key expiry. A ttl <= 0 means the key
// never expires.
//
// Counters written with IncrBy and values written with Set live in separate
// keyspaces on the SQL backends; callers never read a counter with Get.
type Cache interface {
	// Get returns nil, nil when the key is missing or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key and reports whether it was present. Exactly one
	// of several concurrent callers observes true.
	Delete(ctx context.Context, key string) (bool, error)
	// IncrBy adds delta to the counter at key, resets its expiry to ttl and
	// returns the new total. Missing or expired counters start at zero.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends whose expired rows must be removed
// explicitly.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// WithPrefix namespaces every key of c.
func WithPrefix(c Cache, prefix string) Cache {
	if prefix == "" {
		return c
	}
	return &prefixed{inner: c, prefix: prefix}
}

type prefixed struct {
	inner  Cache
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.inner.Set(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) Delete(ctx context.Context, key string) (bool, error) {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *prefixed) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return p.inner.IncrBy(ctx, p.prefix+key, delta, ttl)
}

func (p *prefixed) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }

func (p *prefixed) Close() error { return p.inner.Close() }

// Purge forwards to the wrapped cache when it is a Purger.
func (p *prefixed) Purge(ctx context.Context) (int64, error) {
	if pg, ok := p.inner.(Purger); ok {
		return pg.Purge(ctx)
	}
	return 0, nil
}
