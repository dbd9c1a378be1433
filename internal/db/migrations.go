package db

import (
	"fmt"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// migrations are applied forward, in order, each inside its own
// transaction. The current version lives in the settings table; a
// database newer than the binary is a fatal schema mismatch.
var migrations = []string{
	// 1: core schema
	`
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS records (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		slug       TEXT NOT NULL,
		title      TEXT NOT NULL,
		status     TEXT NOT NULL,
		author     TEXT NOT NULL DEFAULT '',
		path       TEXT NOT NULL,
		excerpt    TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		archived   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (type, slug)
	);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	CREATE INDEX IF NOT EXISTS idx_records_author ON records(author);
	CREATE TABLE IF NOT EXISTS record_authors (
		record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
		username  TEXT NOT NULL,
		role      TEXT NOT NULL DEFAULT '',
		position  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (record_id, username)
	);
	CREATE TABLE IF NOT EXISTS users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		username       TEXT NOT NULL UNIQUE,
		email          TEXT,
		name           TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL,
		auth_provider  TEXT NOT NULL DEFAULT 'password',
		password_hash  TEXT,
		email_verified INTEGER NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		token_id   TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS api_keys (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		key_hash   TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used  TEXT
	);
	`,
	// 2: sagas, locks, activity mirror
	`
	CREATE TABLE IF NOT EXISTS sagas (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		state           TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		result          TEXT,
		error           TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS saga_steps (
		saga_id TEXT NOT NULL REFERENCES sagas(id) ON DELETE CASCADE,
		seq     INTEGER NOT NULL,
		name    TEXT NOT NULL,
		status  TEXT NOT NULL,
		payload TEXT,
		PRIMARY KEY (saga_id, seq)
	);
	CREATE TABLE IF NOT EXISTS resource_locks (
		resource_id TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS activity (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   TEXT NOT NULL,
		source      TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id   TEXT NOT NULL DEFAULT '',
		result      TEXT NOT NULL DEFAULT '',
		metadata    TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_activity_action ON activity(action);
	CREATE INDEX IF NOT EXISTS idx_activity_target ON activity(target_type, target_id);
	`,
}

const schemaVersionKey = "schema_version"

func (d *DB) migrate() error {
	// settings may not exist yet on a fresh database.
	var current int
	row := d.sql.QueryRow(`SELECT value FROM settings WHERE key = ?`, schemaVersionKey)
	if err := row.Scan(&current); err != nil {
		current = 0
	}

	if current > len(migrations) {
		return ferrors.Fatal("database schema is newer than this binary").
			WithContext("have", current).WithContext("want", len(migrations)).Build()
	}

	for v := current; v < len(migrations); v++ {
		tx, err := d.sql.Begin()
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "begin migration").Build()
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			_ = tx.Rollback()
			return ferrors.Wrap(err, ferrors.CategoryDatabase,
				fmt.Sprintf("apply migration %d", v+1)).Build()
		}
		if _, err := tx.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			schemaVersionKey, fmt.Sprint(v+1)); err != nil {
			_ = tx.Rollback()
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "record schema version").Build()
		}
		if err := tx.Commit(); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "commit migration").Build()
		}
	}
	return nil
}

// SchemaVersion returns the applied migration count.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	err := d.reader().QueryRow(`SELECT value FROM settings WHERE key = ?`, schemaVersionKey).Scan(&v)
	if err != nil {
		return 0, ferrors.Wrap(err, ferrors.CategoryDatabase, "read schema version").Build()
	}
	return v, nil
}
