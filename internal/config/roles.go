package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// RolesConfig is the parsed roles.yml: user-to-role bindings plus role
// definitions.
type RolesConfig struct {
	Users map[string]UserBinding    `yaml:"users,omitempty"`
	Roles map[string]RoleDefinition `yaml:"roles,omitempty"`
}

// UserBinding binds a username to a role with optional overrides.
type UserBinding struct {
	Role        string         `yaml:"role"`
	Name        string         `yaml:"name,omitempty"`
	Email       string         `yaml:"email,omitempty"`
	Active      *bool          `yaml:"active,omitempty"`
	Created     time.Time      `yaml:"created,omitempty"`
	Permissions []string       `yaml:"permissions,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
}

// IsActive treats a missing active flag as active.
func (u UserBinding) IsActive() bool {
	return u.Active == nil || *u.Active
}

// RoleDefinition describes a role beyond its workflow permissions.
type RoleDefinition struct {
	Description      string   `yaml:"description,omitempty"`
	Permissions      []string `yaml:"permissions,omitempty"`
	ApprovalRequired bool     `yaml:"approval_required,omitempty"`
	CanPublish       bool     `yaml:"can_publish,omitempty"`
	CanMerge         bool     `yaml:"can_merge,omitempty"`
}

// LoadRoles reads roles.yml. A missing file yields an empty config, not
// an error: role bindings may live entirely in the user table.
func LoadRoles(path string) (*RolesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RolesConfig{}, nil
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "read roles config").Build()
	}

	var cfg RolesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "parse roles config").WithContext("path", path).Build()
	}
	return &cfg, nil
}
