// Package db is the relational mirror of record metadata plus the
// system tables: users, sessions, sagas, resource locks, activity, and
// settings. SQLite is the default backend; the records tree on disk
// stays authoritative for content.
package db

import (
	"context"
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// DB wraps the sql handle with the engine's query surface.
type DB struct {
	sql *sql.DB
	mu  sync.RWMutex
}

// Open opens (or creates) the index database and applies forward
// migrations. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "open database").
			WithContext("path", path).Build()
	}
	// modernc sqlite serializes at the driver level; one connection
	// avoids table-lock races between pooled connections.
	handle.SetMaxOpenConns(1)

	d := &DB{sql: handle}
	if err := d.init(); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := d.sql.Exec(pragma); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "apply pragma").Build()
		}
	}
	return d.migrate()
}

// Tx runs fn inside a transaction, rolling back on error. The enclosing
// saga step composes its compensation around this, so a failed step
// rolls back both the transaction and the step.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "begin transaction").Build()
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "commit transaction").Build()
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sql.Close()
}

func (d *DB) reader() *sql.DB {
	return d.sql
}
