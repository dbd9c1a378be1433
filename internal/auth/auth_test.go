package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

var testRoles = []string{"admin", "clerk", "council", "public"}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestCreateAndAuthenticate(t *testing.T) {
	d := testDB(t)
	users := NewUsers(d, NewSessions(d), testRoles)
	ctx := context.Background()

	u, err := users.Create(ctx, CreateParams{
		Username: "clerk1", Role: "clerk", Password: "hunter2hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, db.ProviderPassword, u.AuthProvider)
	assert.NotEmpty(t, u.PasswordHash)

	got, err := users.Authenticate(ctx, "clerk1", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = users.Authenticate(ctx, "clerk1", "wrong-password")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))

	// Unknown user fails identically to a bad password.
	_, err = users.Authenticate(ctx, "ghost", "hunter2hunter2")
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}

func TestCreateValidation(t *testing.T) {
	d := testDB(t)
	users := NewUsers(d, NewSessions(d), testRoles)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"bad username", CreateParams{Username: "-bad-", Role: "clerk", Password: "longenough"}},
		{"dotted username", CreateParams{Username: "john.doe", Role: "clerk", Password: "longenough"}},
		{"underscored username", CreateParams{Username: "john_doe", Role: "clerk", Password: "longenough"}},
		{"too short username", CreateParams{Username: "jo", Role: "clerk", Password: "longenough"}},
		{"too long username", CreateParams{Username: strings.Repeat("a", 51), Role: "clerk", Password: "longenough"}},
		{"reserved username", CreateParams{Username: "system", Role: "clerk", Password: "longenough"}},
		{"bad email", CreateParams{Username: "okay", Email: "not-an-email", Role: "clerk", Password: "longenough"}},
		{"missing role", CreateParams{Username: "okay", Password: "longenough"}},
		{"unconfigured role", CreateParams{Username: "okay", Role: "mayor", Password: "longenough"}},
		{"short password", CreateParams{Username: "okay", Role: "clerk", Password: "short"}},
		{"password with external provider", CreateParams{Username: "okay", Role: "clerk", Provider: "oidc", Password: "longenough"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := users.Create(ctx, tc.params)
			require.Error(t, err)
			assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))
		})
	}
}

func TestExternalProviderHasNoPassword(t *testing.T) {
	d := testDB(t)
	users := NewUsers(d, NewSessions(d), testRoles)
	ctx := context.Background()

	u, err := users.Create(ctx, CreateParams{Username: "sso-user", Role: "council", Provider: "oidc"})
	require.NoError(t, err)
	assert.Empty(t, u.PasswordHash)

	_, err = users.Authenticate(ctx, "sso-user", "anything-long")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))

	err = users.ChangePassword(ctx, "sso-user", "anything-long", "new-password-1")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}

func TestSessionIssueAndVerify(t *testing.T) {
	d := testDB(t)
	sessions := NewSessions(d)
	users := NewUsers(d, sessions, testRoles)
	ctx := context.Background()

	u, err := users.Create(ctx, CreateParams{Username: "clerk1", Role: "clerk", Password: "hunter2hunter2"})
	require.NoError(t, err)

	token, err := sessions.Issue(ctx, u)
	require.NoError(t, err)

	p, err := sessions.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "clerk1", p.Username)
	assert.Equal(t, "clerk", p.Role)

	_, err = sessions.Verify(ctx, token+"x")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}

func TestSessionExpiry(t *testing.T) {
	d := testDB(t)
	sessions := NewSessions(d)
	users := NewUsers(d, sessions, testRoles)
	ctx := context.Background()

	u, err := users.Create(ctx, CreateParams{Username: "clerk1", Role: "clerk", Password: "hunter2hunter2"})
	require.NoError(t, err)

	token, err := sessions.Issue(ctx, u)
	require.NoError(t, err)

	sessions.now = func() time.Time { return time.Now().Add(SessionTTL + time.Minute) }
	_, err = sessions.Verify(ctx, token)
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}

func TestRoleChangeRevokesSessions(t *testing.T) {
	d := testDB(t)
	sessions := NewSessions(d)
	users := NewUsers(d, sessions, testRoles)
	ctx := context.Background()

	u, err := users.Create(ctx, CreateParams{Username: "clerk1", Role: "clerk", Password: "hunter2hunter2"})
	require.NoError(t, err)
	token, err := sessions.Issue(ctx, u)
	require.NoError(t, err)

	// A role outside the configured set never reaches the database.
	err = users.SetRole(ctx, "clerk1", "mayor")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))
	_, err = sessions.Verify(ctx, token)
	require.NoError(t, err)

	require.NoError(t, users.SetRole(ctx, "clerk1", "council"))

	_, err = sessions.Verify(ctx, token)
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	d := testDB(t)
	sessions := NewSessions(d)
	users := NewUsers(d, sessions, testRoles)
	ctx := context.Background()

	u, err := users.Create(ctx, CreateParams{Username: "clerk1", Role: "clerk", Password: "hunter2hunter2"})
	require.NoError(t, err)
	token, err := sessions.Issue(ctx, u)
	require.NoError(t, err)

	require.NoError(t, users.ChangePassword(ctx, "clerk1", "hunter2hunter2", "even-better-pass"))

	_, err = sessions.Verify(ctx, token)
	require.Error(t, err)

	_, err = users.Authenticate(ctx, "clerk1", "even-better-pass")
	require.NoError(t, err)
}

func TestResolverPrecedence(t *testing.T) {
	d := testDB(t)
	sessions := NewSessions(d)
	users := NewUsers(d, sessions, testRoles)
	ctx := context.Background()

	inactive := false
	roles := &config.RolesConfig{Users: map[string]config.UserBinding{
		"clerk1":    {Role: "public"}, // shadowed by the user table below
		"filebound": {Role: "council"},
		"retired":   {Role: "clerk", Active: &inactive},
	}}
	_, err := users.Create(ctx, CreateParams{Username: "clerk1", Role: "clerk", Password: "hunter2hunter2"})
	require.NoError(t, err)

	r := NewResolver(d, roles)

	p, err := r.Resolve(ctx, "clerk1")
	require.NoError(t, err)
	assert.Equal(t, "clerk", p.Role)

	p, err = r.Resolve(ctx, "filebound")
	require.NoError(t, err)
	assert.Equal(t, "council", p.Role)

	_, err = r.Resolve(ctx, "retired")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))

	p, err = r.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Anonymous, p)

	_, err = r.Resolve(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}
