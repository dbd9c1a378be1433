package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

const (
	jwtSecretSetting = "jwt_secret"
	// SessionTTL bounds how long an issued token stays valid.
	SessionTTL = 24 * time.Hour
)

// Sessions issues and verifies signed tokens backed by the sessions
// table, so a token can be revoked before its expiry.
type Sessions struct {
	store *db.DB
	now   func() time.Time
}

// NewSessions builds the session manager.
func NewSessions(store *db.DB) *Sessions {
	return &Sessions{store: store, now: time.Now}
}

type claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Issue signs a token for user and records the session. The signing
// secret is generated once and kept in settings.
func (s *Sessions) Issue(ctx context.Context, user *db.User) (string, error) {
	secret, err := s.secret(ctx)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	tokenID := uuid.NewString()
	c := claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryAuth, "sign token").Build()
	}

	if err := s.store.CreateSession(ctx, &db.Session{
		TokenID: tokenID, UserID: user.ID,
		CreatedAt: now, ExpiresAt: now.Add(SessionTTL),
	}); err != nil {
		return "", err
	}
	return signed, nil
}

// Verify parses a token, checks its signature and expiry, and rejects
// revoked sessions. The principal's role comes from the user table, not
// the token, so a role change invalidates stale claims even before the
// session sweep.
func (s *Sessions) Verify(ctx context.Context, token string) (Principal, error) {
	secret, err := s.secret(ctx)
	if err != nil {
		return Principal{}, err
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ferrors.Auth("unexpected signing method").Build()
		}
		return secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return Principal{}, ferrors.Auth("invalid token").WithCause(err).Build()
	}

	session, err := s.store.GetSession(ctx, c.ID)
	if err != nil {
		return Principal{}, ferrors.Auth("session not found").WithCause(err).Build()
	}
	if session.Revoked {
		return Principal{}, ferrors.Auth("session revoked").Build()
	}
	if s.now().After(session.ExpiresAt) {
		return Principal{}, ferrors.Auth("session expired").Build()
	}

	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return Principal{}, ferrors.Auth("user no longer exists").WithCause(err).Build()
	}
	return Principal{Username: user.Username, Role: user.Role, Name: user.Name, Email: user.Email}, nil
}

// Revoke invalidates every session of the given user.
func (s *Sessions) Revoke(ctx context.Context, userID int64) error {
	return s.store.RevokeSessions(ctx, userID)
}

func (s *Sessions) secret(ctx context.Context) ([]byte, error) {
	v, ok, err := s.store.GetSetting(ctx, jwtSecretSetting)
	if err != nil {
		return nil, err
	}
	if ok {
		return hex.DecodeString(v)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryAuth, "generate signing secret").Build()
	}
	if err := s.store.SetSetting(ctx, jwtSecretSetting, hex.EncodeToString(raw)); err != nil {
		return nil, err
	}
	return raw, nil
}
