package config

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Wildcards accepted in role permission lists.
const (
	WildcardAny  = "any" // wildcard source status in can_transition
	WildcardType = "*"   // wildcard record type in can_* lists
)

// WorkflowConfig is the parsed workflows.yml: the status set, the global
// transition graph, per-role permissions, and optional per-type
// overrides.
type WorkflowConfig struct {
	Statuses    []string                `yaml:"statuses"`
	Transitions map[string][]string     `yaml:"transitions"`
	Roles       map[string]RoleWorkflow `yaml:"roles"`
	RecordTypes map[string]TypeOverride `yaml:"recordTypes,omitempty"`
}

// RoleWorkflow is a role's permission block. A nil list means undefined,
// which the engine treats as deny-by-default; this is distinct from an
// empty list, which is an explicit deny-all.
type RoleWorkflow struct {
	CanTransition map[string][]string `yaml:"can_transition,omitempty"`
	CanCreate     []string            `yaml:"can_create,omitempty"`
	CanEdit       []string            `yaml:"can_edit,omitempty"`
	CanDelete     []string            `yaml:"can_delete,omitempty"`
	CanView       []string            `yaml:"can_view,omitempty"`
}

// TypeOverride replaces (not merges) the global statuses/transitions for
// one record type.
type TypeOverride struct {
	Statuses    []string            `yaml:"statuses,omitempty"`
	Transitions map[string][]string `yaml:"transitions,omitempty"`
}

// LoadWorkflows reads and validates workflows.yml.
func LoadWorkflows(path string) (*WorkflowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.NotFound("workflow config not found").WithContext("path", path).Build()
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "read workflow config").Build()
	}

	var cfg WorkflowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "parse workflow config").WithContext("path", path).Build()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the config invariant: every status appearing in
// transition keys or values exists in the status set.
func (c *WorkflowConfig) Validate() error {
	known := make(map[string]struct{}, len(c.Statuses))
	for _, s := range c.Statuses {
		known[s] = struct{}{}
	}

	check := func(statuses []string, transitions map[string][]string, scope string) error {
		set := known
		if statuses != nil {
			set = make(map[string]struct{}, len(statuses))
			for _, s := range statuses {
				set[s] = struct{}{}
			}
		}
		for from, tos := range transitions {
			if _, ok := set[from]; !ok {
				return ferrors.Config("transition references unknown status").
					WithContext("status", from).WithContext("scope", scope).Build()
			}
			for _, to := range tos {
				if _, ok := set[to]; !ok {
					return ferrors.Config("transition references unknown status").
						WithContext("status", to).WithContext("scope", scope).Build()
				}
			}
		}
		return nil
	}

	if err := check(nil, c.Transitions, "global"); err != nil {
		return err
	}
	for name, override := range c.RecordTypes {
		if err := check(override.Statuses, override.Transitions, "recordTypes."+name); err != nil {
			return err
		}
	}
	return nil
}

// StatusesFor returns the status set for a record type, honoring
// per-type overrides.
func (c *WorkflowConfig) StatusesFor(recordType string) []string {
	if o, ok := c.RecordTypes[recordType]; ok && len(o.Statuses) > 0 {
		return o.Statuses
	}
	return c.Statuses
}

// TransitionsFor returns the transition graph for a record type.
// Per-type overrides replace the global graph entirely.
func (c *WorkflowConfig) TransitionsFor(recordType string) map[string][]string {
	if o, ok := c.RecordTypes[recordType]; ok && o.Transitions != nil {
		return o.Transitions
	}
	return c.Transitions
}

// RoleNames returns the configured role names, sorted. User management
// validates assigned roles against this set.
func (c *WorkflowConfig) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for r := range c.Roles {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}

// HasStatus reports whether status is valid for the record type.
func (c *WorkflowConfig) HasStatus(recordType, status string) bool {
	for _, s := range c.StatusesFor(recordType) {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultWorkflow returns the workflow installed by `civic init`.
func DefaultWorkflow() *WorkflowConfig {
	return &WorkflowConfig{
		Statuses: []string{"draft", "proposed", "reviewed", "approved", "archived"},
		Transitions: map[string][]string{
			"draft":    {"proposed"},
			"proposed": {"reviewed", "approved", "draft"},
			"reviewed": {"approved", "draft"},
			"approved": {"archived"},
		},
		Roles: map[string]RoleWorkflow{
			"admin": {},
			"clerk": {
				CanCreate: []string{WildcardType},
				CanEdit:   []string{WildcardType},
				CanView:   []string{WildcardType},
				CanTransition: map[string][]string{
					"draft":    {"proposed"},
					"proposed": {"draft"},
				},
			},
			"council": {
				CanView: []string{WildcardType},
				CanEdit: []string{"bylaw", "resolution", "ordinance", "motion"},
				CanTransition: map[string][]string{
					"proposed": {"reviewed", "approved"},
					"reviewed": {"approved"},
					"approved": {"archived"},
				},
			},
			"public": {
				CanView: []string{WildcardType},
			},
		},
	}
}
