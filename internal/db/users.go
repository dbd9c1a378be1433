package db

import (
	"context"
	"database/sql"
	"time"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// User is a registered actor. PasswordHash is empty for users managed
// by an external auth provider.
type User struct {
	ID            int64
	Username      string
	Email         string
	Name          string
	Role          string
	AuthProvider  string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}

// ProviderPassword marks locally-managed credentials.
const ProviderPassword = "password"

// CreateUser inserts a user and returns it with the assigned id.
func (d *DB) CreateUser(ctx context.Context, u *User) (*User, error) {
	if u.AuthProvider == "" {
		u.AuthProvider = ProviderPassword
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO users (username, email, name, role, auth_provider, password_hash, email_verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Username, nullable(u.Email), u.Name, u.Role, u.AuthProvider,
		nullable(u.PasswordHash), boolInt(u.EmailVerified),
		u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ferrors.Conflict("username already taken").
				WithContext("username", u.Username).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "create user").Build()
	}
	u.ID, _ = res.LastInsertId()
	return u, nil
}

// GetUser loads a user by username.
func (d *DB) GetUser(ctx context.Context, username string) (*User, error) {
	row := d.reader().QueryRowContext(ctx, `
		SELECT id, username, email, name, role, auth_provider, password_hash, email_verified, created_at
		FROM users WHERE username = ?`, username)
	return scanUser(row, username)
}

// GetUserByID loads a user by primary key.
func (d *DB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := d.reader().QueryRowContext(ctx, `
		SELECT id, username, email, name, role, auth_provider, password_hash, email_verified, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row, "")
}

func scanUser(row *sql.Row, username string) (*User, error) {
	var u User
	var email, hash sql.NullString
	var verified int
	var created string
	err := row.Scan(&u.ID, &u.Username, &email, &u.Name, &u.Role,
		&u.AuthProvider, &hash, &verified, &created)
	if err == sql.ErrNoRows {
		return nil, ferrors.NotFound("user not found").
			WithContext("username", username).Build()
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan user").Build()
	}
	u.Email = email.String
	u.PasswordHash = hash.String
	u.EmailVerified = verified != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (d *DB) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT id, username, email, name, role, auth_provider, password_hash, email_verified, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "list users").Build()
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		var email, hash sql.NullString
		var verified int
		var created string
		if err := rows.Scan(&u.ID, &u.Username, &email, &u.Name, &u.Role,
			&u.AuthProvider, &hash, &verified, &created); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan user").Build()
		}
		u.Email = email.String
		u.PasswordHash = hash.String
		u.EmailVerified = verified != 0
		u.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// SetUserRole updates a user's role. Caller invalidates sessions.
func (d *DB) SetUserRole(ctx context.Context, username, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE username = ?`, role, username)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "set user role").Build()
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.NotFound("user not found").WithContext("username", username).Build()
	}
	return nil
}

// SetPasswordHash stores a new bcrypt hash for a local user.
func (d *DB) SetPasswordHash(ctx context.Context, username, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE username = ?`, hash, username)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "set password").Build()
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.NotFound("user not found").WithContext("username", username).Build()
	}
	return nil
}

// DeleteUser removes a user; sessions and api keys cascade.
func (d *DB) DeleteUser(ctx context.Context, username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "delete user").Build()
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferrors.NotFound("user not found").WithContext("username", username).Build()
	}
	return nil
}

// Session is a server-side record of an issued token.
type Session struct {
	TokenID   string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// CreateSession records an issued token.
func (d *DB) CreateSession(ctx context.Context, s *Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO sessions (token_id, user_id, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, 0)`,
		s.TokenID, s.UserID,
		s.CreatedAt.UTC().Format(time.RFC3339), s.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "create session").Build()
	}
	return nil
}

// GetSession loads a session by token id.
func (d *DB) GetSession(ctx context.Context, tokenID string) (*Session, error) {
	var s Session
	var created, expires string
	var revoked int
	err := d.reader().QueryRowContext(ctx, `
		SELECT token_id, user_id, created_at, expires_at, revoked
		FROM sessions WHERE token_id = ?`, tokenID).
		Scan(&s.TokenID, &s.UserID, &created, &expires, &revoked)
	if err == sql.ErrNoRows {
		return nil, ferrors.NotFound("session not found").Build()
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan session").Build()
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	s.Revoked = revoked != 0
	return &s, nil
}

// RevokeSessions marks all of a user's sessions revoked. Called on
// logout and on role change.
func (d *DB) RevokeSessions(ctx context.Context, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE user_id = ?`, userID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "revoke sessions").Build()
	}
	return nil
}

// PruneSessions deletes sessions past their expiry.
func (d *DB) PruneSessions(ctx context.Context, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, ferrors.Wrap(err, ferrors.CategoryDatabase, "prune sessions").Build()
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// APIKey is a long-lived credential for scripted access.
type APIKey struct {
	ID        int64
	UserID    int64
	KeyHash   string
	Name      string
	CreatedAt time.Time
}

// CreateAPIKey stores the hash of a generated key.
func (d *DB) CreateAPIKey(ctx context.Context, k *APIKey) (*APIKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO api_keys (user_id, key_hash, name, created_at)
		VALUES (?, ?, ?, ?)`,
		k.UserID, k.KeyHash, k.Name, k.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "create api key").Build()
	}
	k.ID, _ = res.LastInsertId()
	return k, nil
}

// FindAPIKey resolves a key hash to its owning user id.
func (d *DB) FindAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var created string
	err := d.reader().QueryRowContext(ctx, `
		SELECT id, user_id, key_hash, name, created_at FROM api_keys WHERE key_hash = ?`,
		keyHash).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, &created)
	if err == sql.ErrNoRows {
		return nil, ferrors.NotFound("api key not found").Build()
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan api key").Build()
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, created)
	// last_used is advisory only; failure to update it never fails auth.
	_, _ = d.sql.ExecContext(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), k.ID)
	return &k, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
