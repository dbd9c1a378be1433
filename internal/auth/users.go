package auth

import (
	"context"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

var (
	// 3-50 chars, lowercase alphanumerics and inner hyphens only.
	usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,48}[a-z0-9]$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	reservedUsernames = map[string]struct{}{
		Anonymous.Username: {},
		System.Username:    {},
		"root":             {},
	}
)

const minPasswordLen = 8

// Users manages the user table and its credentials.
type Users struct {
	store    *db.DB
	sessions *Sessions
	roles    map[string]struct{}
}

// NewUsers builds the user service. roles is the set of assignable
// roles, taken from the workflow config.
func NewUsers(store *db.DB, sessions *Sessions, roles []string) *Users {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return &Users{store: store, sessions: sessions, roles: set}
}

func (u *Users) checkRole(role string) error {
	if role == "" {
		return ferrors.Validation("role is required").Build()
	}
	if _, ok := u.roles[role]; !ok {
		return ferrors.Validation("unknown role").
			WithContext("role", role).Build()
	}
	return nil
}

// CreateParams describes a user to add.
type CreateParams struct {
	Username string
	Email    string
	Name     string
	Role     string
	Password string
	Provider string // empty means local password auth
}

// Create validates and inserts a user. Local users must supply a
// password; externally-provided users must not.
func (u *Users) Create(ctx context.Context, p CreateParams) (*db.User, error) {
	if !usernamePattern.MatchString(p.Username) {
		return nil, ferrors.Validation("invalid username").
			WithContext("username", p.Username).Build()
	}
	if _, reserved := reservedUsernames[p.Username]; reserved {
		return nil, ferrors.Validation("username is reserved").
			WithContext("username", p.Username).Build()
	}
	if p.Email != "" && !emailPattern.MatchString(p.Email) {
		return nil, ferrors.Validation("invalid email address").
			WithContext("email", p.Email).Build()
	}
	if err := u.checkRole(p.Role); err != nil {
		return nil, err
	}

	user := &db.User{
		Username: p.Username, Email: p.Email, Name: p.Name, Role: p.Role,
		AuthProvider: p.Provider, CreatedAt: time.Now().UTC(),
	}
	if p.Provider == "" || p.Provider == db.ProviderPassword {
		user.AuthProvider = db.ProviderPassword
		hash, err := hashPassword(p.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	} else if p.Password != "" {
		return nil, ferrors.Validation("password not allowed for external auth provider").
			WithContext("provider", p.Provider).Build()
	}

	return u.store.CreateUser(ctx, user)
}

// Authenticate checks a username/password pair and returns the user.
func (u *Users) Authenticate(ctx context.Context, username, password string) (*db.User, error) {
	user, err := u.store.GetUser(ctx, username)
	if err != nil {
		if ferrors.GetCategory(err) == ferrors.CategoryNotFound {
			return nil, ferrors.Auth("invalid credentials").Build()
		}
		return nil, err
	}
	if user.AuthProvider != db.ProviderPassword || user.PasswordHash == "" {
		return nil, ferrors.Auth("password login not available for this user").
			WithContext("provider", user.AuthProvider).Build()
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ferrors.Auth("invalid credentials").Build()
	}
	return user, nil
}

// ChangePassword verifies the current password and stores a new hash.
// Users on an external provider cannot hold a local password.
func (u *Users) ChangePassword(ctx context.Context, username, current, next string) error {
	user, err := u.Authenticate(ctx, username, current)
	if err != nil {
		return err
	}
	hash, err := hashPassword(next)
	if err != nil {
		return err
	}
	if err := u.store.SetPasswordHash(ctx, username, hash); err != nil {
		return err
	}
	// Other sessions were issued against the old credential.
	return u.sessions.Revoke(ctx, user.ID)
}

// SetPassword force-sets a local user's password without knowing the
// current one. Caller authorization is the CLI/HTTP layer's problem;
// the external-provider guard still applies.
func (u *Users) SetPassword(ctx context.Context, username, password string) error {
	user, err := u.store.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if user.AuthProvider != db.ProviderPassword {
		return ferrors.Auth("password managed by external provider").
			WithContext("provider", user.AuthProvider).Build()
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if err := u.store.SetPasswordHash(ctx, username, hash); err != nil {
		return err
	}
	return u.sessions.Revoke(ctx, user.ID)
}

// SetRole changes a user's role and revokes their sessions, so already
// issued tokens cannot keep acting under the old role.
func (u *Users) SetRole(ctx context.Context, username, role string) error {
	if err := u.checkRole(role); err != nil {
		return err
	}
	user, err := u.store.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if err := u.store.SetUserRole(ctx, username, role); err != nil {
		return err
	}
	return u.sessions.Revoke(ctx, user.ID)
}

// Delete removes a user; sessions and keys cascade in the database.
func (u *Users) Delete(ctx context.Context, username string) error {
	return u.store.DeleteUser(ctx, username)
}

// List returns all users.
func (u *Users) List(ctx context.Context) ([]*db.User, error) {
	return u.store.ListUsers(ctx)
}

func hashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", ferrors.Validation("password too short").
			WithContext("min_length", minPasswordLen).Build()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", ferrors.Wrap(err, ferrors.CategoryAuth, "hash password").Build()
	}
	return string(hash), nil
}
