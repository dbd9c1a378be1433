// Package workflow answers permission and transition questions from the
// resolved workflow config. Checks are pure: no I/O, no clock, so the
// engine can evaluate them before starting a saga.
package workflow

import (
	"fmt"

	"github.com/civicstack/civic/internal/config"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Action is a permission class checked against a role's config block.
type Action string

const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
	ActionView   Action = "view"
)

// AdminRole bypasses all permission checks but not transition-graph
// validity: even admins cannot jump to a status outside the graph.
const AdminRole = "admin"

// Checker evaluates role permissions against one workflow config.
type Checker struct {
	cfg *config.WorkflowConfig
}

// NewChecker wraps a validated workflow config.
func NewChecker(cfg *config.WorkflowConfig) *Checker {
	return &Checker{cfg: cfg}
}

// CanAct reports whether role may perform action on recordType.
// Unknown roles and roles with no list for the action are denied.
func (c *Checker) CanAct(role string, action Action, recordType string) bool {
	if role == AdminRole {
		return true
	}
	rw, ok := c.cfg.Roles[role]
	if !ok {
		return false
	}
	var list []string
	switch action {
	case ActionCreate:
		list = rw.CanCreate
	case ActionEdit:
		list = rw.CanEdit
	case ActionDelete:
		list = rw.CanDelete
	case ActionView:
		list = rw.CanView
	}
	for _, t := range list {
		if t == config.WildcardType || t == recordType {
			return true
		}
	}
	return false
}

// CheckAct is CanAct with a classified Auth error for the deny case.
func (c *Checker) CheckAct(role string, action Action, recordType string) error {
	if c.CanAct(role, action, recordType) {
		return nil
	}
	return ferrors.Auth("role may not "+string(action)+" this record type").
		WithContext("role", role).
		WithContext("action", string(action)).
		WithContext("record_type", recordType).Build()
}

// GraphAllows reports whether the transition graph for recordType
// contains from -> to, ignoring roles.
func (c *Checker) GraphAllows(recordType, from, to string) bool {
	for _, t := range c.cfg.TransitionsFor(recordType)[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether role may move a record of recordType
// from one status to another. The transition must exist in the graph
// AND be granted to the role; "any" as a source key grants from every
// status. Admin skips the role grant but not the graph.
func (c *Checker) CanTransition(role, recordType, from, to string) bool {
	if !c.GraphAllows(recordType, from, to) {
		return false
	}
	if role == AdminRole {
		return true
	}
	return c.roleGrants(role, from, to)
}

// roleGrants reports whether role holds the from -> to grant in its
// can_transition block, ignoring the graph.
func (c *Checker) roleGrants(role, from, to string) bool {
	rw, ok := c.cfg.Roles[role]
	if !ok || rw.CanTransition == nil {
		return false
	}
	for _, key := range []string{from, config.WildcardAny} {
		for _, t := range rw.CanTransition[key] {
			if t == to {
				return true
			}
		}
	}
	return false
}

// CheckTransition classifies the deny. A target outside the status set
// is a validation error. A role without the from -> to grant gets an
// auth error, whether or not the graph carries the edge: what the role
// cannot do at all is an authorization problem, not a workflow-shape
// one. Only a granted (or admin) move blocked by the graph is a
// validation error.
func (c *Checker) CheckTransition(role, recordType, from, to string) error {
	if !c.cfg.HasStatus(recordType, to) {
		return ferrors.Validation("unknown status").
			WithContext("status", to).
			WithContext("record_type", recordType).Build()
	}
	if role != AdminRole && !c.roleGrants(role, from, to) {
		return ferrors.Auth(fmt.Sprintf("Role '%s' cannot transition from '%s' to '%s'", role, from, to)).
			WithContext("role", role).
			WithContext("from", from).
			WithContext("to", to).Build()
	}
	if !c.GraphAllows(recordType, from, to) {
		return ferrors.Validation("transition not allowed by workflow").
			WithContext("from", from).
			WithContext("to", to).
			WithContext("record_type", recordType).Build()
	}
	return nil
}

// VisibleStatuses returns the statuses a role may see for recordType.
// Roles with view permission see everything; others see nothing. The
// engine narrows further for non-admin listing (approved and archived
// only for public) via roles.yml visibility, handled in auth.
func (c *Checker) VisibleStatuses(role, recordType string) []string {
	if !c.CanAct(role, ActionView, recordType) {
		return nil
	}
	return c.cfg.StatusesFor(recordType)
}

// Transitions lists the targets reachable by role from a status, for
// `civic status --list`.
func (c *Checker) Transitions(role, recordType, from string) []string {
	var out []string
	for _, to := range c.cfg.TransitionsFor(recordType)[from] {
		if c.CanTransition(role, recordType, from, to) {
			out = append(out, to)
		}
	}
	return out
}
