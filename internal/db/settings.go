package db

import (
	"context"
	"database/sql"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// GetSetting reads a settings value; ok reports whether the key exists.
func (d *DB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.reader().QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, ferrors.Wrap(err, ferrors.CategoryDatabase, "read setting").
			WithContext("key", key).Build()
	}
	return v, true, nil
}

// SetSetting writes a settings value.
func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "write setting").
			WithContext("key", key).Build()
	}
	return nil
}
