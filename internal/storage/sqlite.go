// Package storage opens the SQLite database shared by the ledger, the position store and the durable queue
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_risk (
	account_id INTEGER PRIMARY KEY,
	amount     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_reservations (
	account_id  INTEGER NOT NULL,
	signal_id   TEXT    NOT NULL,
	amount      TEXT    NOT NULL,
	reserved_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, signal_id)
);

CREATE TABLE IF NOT EXISTS slots (
	account_id  INTEGER NOT NULL,
	slot_key    TEXT    NOT NULL,
	occupied_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, slot_key)
);

CREATE TABLE IF NOT EXISTS risk_config (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	fixed_risk_usd    TEXT    NOT NULL,
	buffer_percentage TEXT    NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_index (
	signal_id TEXT PRIMARY KEY,
	added_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	signal_id  TEXT PRIMARY KEY,
	payload    TEXT    NOT NULL,
	checksum   BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	kind         TEXT    NOT NULL,
	payload      TEXT    NOT NULL,
	status       TEXT    NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT    NOT NULL DEFAULT '',
	available_at INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_seq ON jobs (status, seq);
`

// OpenSQLite opens (creating if needed) the database at path, enables WAL and applies the schema.
// The pool is capped at one connection so every transaction is serialized.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL for crash recovery
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

// WithTx runs fn inside a serializable transaction, committing on success
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
