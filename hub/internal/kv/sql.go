package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqlDialect holds the statements one SQL backend needs. Every statement
// takes its arguments in the order documented next to the field.
type sqlDialect struct {
	migrations []string
	get        string // key, now
	set        string // key, value, expires_at
	del        string // key, now
	incr       string // key, delta, expires_at, now
	purge      []string
}

// sqlCache implements Cache on database/sql. Expiry is an absolute unix
// millisecond timestamp; 0 means never. Expired rows are invisible to reads
// and removed by Purge.
type sqlCache struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

func newSQLCache(db *sql.DB, d sqlDialect) (*sqlCache, error) {
	c := &sqlCache{db: db, dialect: d, now: time.Now}
	for _, m := range d.migrations {
		if _, err := db.Exec(m); err != nil {
			return nil, fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return c, nil
}

func (c *sqlCache) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return c.now().Add(ttl).UnixMilli()
}

func (c *sqlCache) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx, c.dialect.get, key, c.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (c *sqlCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := c.db.ExecContext(ctx, c.dialect.set, key, value, c.expiresAt(ttl)); err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (c *sqlCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, c.dialect.del, key, c.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("kv delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv delete: %w", err)
	}
	return n > 0, nil
}

func (c *sqlCache) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx, c.dialect.incr, key, delta, c.expiresAt(ttl), c.now().UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("kv incrby: %w", err)
	}
	return total, nil
}

// Purge deletes expired values and counters.
func (c *sqlCache) Purge(ctx context.Context) (int64, error) {
	now := c.now().UnixMilli()
	var total int64
	for _, q := range c.dialect.purge {
		res, err := c.db.ExecContext(ctx, q, now)
		if err != nil {
			return total, fmt.Errorf("kv purge: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (c *sqlCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *sqlCache) Close() error {
	return c.db.Close()
}
