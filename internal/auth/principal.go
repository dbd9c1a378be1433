// Package auth resolves actors to principals and manages credentials:
// bcrypt passwords for local users, JWT-backed sessions, and API keys.
package auth

import (
	"context"

	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Principal is a resolved actor for one operation.
type Principal struct {
	Username string
	Role     string
	Name     string
	Email    string
}

// Anonymous is the principal used when no actor is supplied. It carries
// the public role, so deny-by-default still applies.
var Anonymous = Principal{Username: "anonymous", Role: "public"}

// System is the principal for engine-initiated work such as scheduled
// reconciliation.
var System = Principal{Username: "system", Role: "admin"}

// Resolver maps usernames to principals. The user table wins over a
// roles.yml binding with the same username, so role changes made
// through `civic users:set-role` take effect without editing YAML.
type Resolver struct {
	store *db.DB
	roles *config.RolesConfig
}

// NewResolver builds a resolver over the user table and roles.yml.
func NewResolver(store *db.DB, roles *config.RolesConfig) *Resolver {
	return &Resolver{store: store, roles: roles}
}

// Resolve returns the principal for username. Inactive roles.yml
// bindings resolve to an auth error, not not-found, to avoid leaking
// which usernames exist.
func (r *Resolver) Resolve(ctx context.Context, username string) (Principal, error) {
	if username == "" || username == Anonymous.Username {
		return Anonymous, nil
	}
	if username == System.Username {
		return System, nil
	}

	if u, err := r.store.GetUser(ctx, username); err == nil {
		return Principal{Username: u.Username, Role: u.Role, Name: u.Name, Email: u.Email}, nil
	} else if ferrors.GetCategory(err) != ferrors.CategoryNotFound {
		return Principal{}, err
	}

	if binding, ok := r.roles.Users[username]; ok {
		if !binding.IsActive() {
			return Principal{}, ferrors.Auth("user is not active").
				WithContext("username", username).Build()
		}
		return Principal{
			Username: username, Role: binding.Role,
			Name: binding.Name, Email: binding.Email,
		}, nil
	}

	return Principal{}, ferrors.Auth("unknown user").
		WithContext("username", username).Build()
}
