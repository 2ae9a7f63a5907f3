package kv

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresCache implements Cache on PostgreSQL.
type PostgresCache struct {
	*sqlCache
}

var postgresDialect = sqlDialect{
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv_counters (
			key TEXT PRIMARY KEY,
			counter BIGINT NOT NULL DEFAULT 0,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_entries_expires ON kv_entries(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_counters_expires ON kv_counters(expires_at)`,
	},
	get: `SELECT value FROM kv_entries WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`,
	set: `INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
	del: `DELETE FROM kv_entries WHERE key = $1 AND (expires_at = 0 OR expires_at > $2)`,
	incr: `INSERT INTO kv_counters (key, counter, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET
			counter = CASE WHEN kv_counters.expires_at = 0 OR kv_counters.expires_at > $4
				THEN kv_counters.counter + EXCLUDED.counter ELSE EXCLUDED.counter END,
			expires_at = EXCLUDED.expires_at
		RETURNING counter`,
	purge: []string{
		`DELETE FROM kv_entries WHERE expires_at <> 0 AND expires_at <= $1`,
		`DELETE FROM kv_counters WHERE expires_at <> 0 AND expires_at <= $1`,
	},
}

// NewPostgres connects to PostgreSQL and runs migrations.
func NewPostgres(dsn string) (*PostgresCache, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	c, err := newSQLCache(db, postgresDialect)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresCache{sqlCache: c}, nil
}
