package kv

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteCache implements Cache on an embedded SQLite database.
type SQLiteCache struct {
	*sqlCache
}

var sqliteDialect = sqlDialect{
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv_counters (
			key TEXT PRIMARY KEY,
			counter INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_entries_expires ON kv_entries(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_counters_expires ON kv_counters(expires_at)`,
	},
	get: `SELECT value FROM kv_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
	set: `INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
	del: `DELETE FROM kv_entries WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
	incr: `INSERT INTO kv_counters (key, counter, expires_at) VALUES (?1, ?2, ?3)
		ON CONFLICT(key) DO UPDATE SET
			counter = CASE WHEN kv_counters.expires_at = 0 OR kv_counters.expires_at > ?4
				THEN kv_counters.counter + excluded.counter ELSE excluded.counter END,
			expires_at = excluded.expires_at
		RETURNING counter`,
	purge: []string{
		`DELETE FROM kv_entries WHERE expires_at <> 0 AND expires_at <= ?`,
		`DELETE FROM kv_counters WHERE expires_at <> 0 AND expires_at <= ?`,
	},
}

// NewSQLite opens (or creates) the SQLite database at dsn and runs
// migrations. ":memory:" gives a private in-memory database.
func NewSQLite(dsn string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps an in-memory database alive and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	c, err := newSQLCache(db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteCache{sqlCache: c}, nil
}
