// Package engine is the record manager: the transactional public API
// over the store, git gateway, index database, workflow checks, hooks,
// sagas, and caches. Collaborators never call back into the engine.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/auth"
	"github.com/civicstack/civic/internal/cache"
	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/gitx"
	"github.com/civicstack/civic/internal/hooks"
	"github.com/civicstack/civic/internal/metrics"
	"github.com/civicstack/civic/internal/saga"
	"github.com/civicstack/civic/internal/store"
	"github.com/civicstack/civic/internal/templates"
	"github.com/civicstack/civic/internal/workflow"
)

// PublishedStatuses are the only statuses the public role may read.
var PublishedStatuses = []string{"approved", "archived"}

// Engine orchestrates record operations.
type Engine struct {
	cfg      *config.Resolved
	store    *store.Store
	git      *gitx.Gateway
	db       *db.DB
	checker  *workflow.Checker
	resolver *auth.Resolver
	sagas    *saga.Executor
	bus      *hooks.Bus
	activity *activity.Log
	renderer *templates.Renderer
	records  cache.Cache
	metrics  *metrics.Recorder
	log      *slog.Logger
	now      func() time.Time
}

// Deps carries the engine's collaborators, built leaves-first by the
// container.
type Deps struct {
	Config   *config.Resolved
	Store    *store.Store
	Git      *gitx.Gateway
	DB       *db.DB
	Checker  *workflow.Checker
	Resolver *auth.Resolver
	Sagas    *saga.Executor
	Bus      *hooks.Bus
	Activity *activity.Log
	Renderer *templates.Renderer
	Records  cache.Cache
	Metrics  *metrics.Recorder
	Log      *slog.Logger
}

// New assembles the engine.
func New(d Deps) *Engine {
	return &Engine{
		cfg: d.Config, store: d.Store, git: d.Git, db: d.DB,
		checker: d.Checker, resolver: d.Resolver, sagas: d.Sagas,
		bus: d.Bus, activity: d.Activity, renderer: d.Renderer,
		records: d.Records, metrics: d.Metrics, log: d.Log,
		now: time.Now,
	}
}

// OpContext carries per-operation options.
type OpContext struct {
	IdempotencyKey string
	// DryRun validates and reports without touching any store.
	DryRun bool
	// DryRunHooks names events whose handlers are skipped for this
	// operation only; each skipped emission is still audited.
	DryRunHooks []string
}

// hookCtx applies the operation's dry-run hook suppression to ctx.
func (o OpContext) hookCtx(ctx context.Context) context.Context {
	return hooks.WithSuppressed(ctx, o.DryRunHooks...)
}

// identity maps a principal to a git author identity.
func identity(p auth.Principal) gitx.Identity {
	name := p.Name
	if name == "" {
		name = p.Username
	}
	email := p.Email
	if email == "" {
		email = p.Username + "@civic.local"
	}
	return gitx.Identity{Name: name, Email: email}
}

// visibleStatuses returns the status filter for list/get. Nil means
// unrestricted; an auth error means the role may not view the type.
func (e *Engine) visibleStatuses(p auth.Principal, recordType string) ([]string, error) {
	if !e.checker.CanAct(p.Role, workflow.ActionView, recordType) {
		return nil, ferrors.Auth("role may not view this record type").
			WithContext("role", p.Role).Build()
	}
	if p.Role == "public" {
		return PublishedStatuses, nil
	}
	return nil, nil
}

func statusVisible(statuses []string, status string) bool {
	if statuses == nil {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// audit appends the started entry for an operation. Append failure is
// fatal for the operation: an unauditable write must not proceed.
func (e *Engine) audit(ctx context.Context, p auth.Principal, action, recordType, targetID string, meta map[string]any) error {
	return e.activity.Append(ctx, activity.Entry{
		Source: "cli", Actor: p.Username, Action: action + ".started",
		TargetType: recordType, TargetID: targetID, Metadata: meta,
	})
}

// auditResult appends the trailing result entry.
func (e *Engine) auditResult(ctx context.Context, p auth.Principal, action, recordType, targetID string, opErr error) {
	result := "success"
	suffix := ".completed"
	if opErr != nil {
		result = "failure: " + opErr.Error()
		suffix = ".compensated"
		if cat := ferrors.GetCategory(opErr); cat == ferrors.CategoryValidation ||
			cat == ferrors.CategoryAuth || cat == ferrors.CategoryConflict {
			suffix = ".rejected"
		}
	}
	err := e.activity.Append(ctx, activity.Entry{
		Source: "cli", Actor: p.Username, Action: action + suffix,
		TargetType: recordType, TargetID: targetID, Result: result,
	})
	if err != nil {
		e.log.Warn("trailing audit entry failed", slog.String("action", action))
	}
}

// invalidate clears derived read state for a record synchronously, so a
// read later in the same operation observes the write.
func (e *Engine) invalidate(recordType, slug string) {
	if e.records == nil {
		return
	}
	e.records.Invalidate("view:" + recordType + "/" + slug)
	e.records.Clear()
}

// observe records operation metrics.
func (e *Engine) observe(name string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(ferrors.GetCategory(err))
	}
	e.metrics.Operation(name, result, e.now().Sub(start))
}

// Reconcile reports untracked record files, as after a crash between
// file write and commit. They are deliberately left uncommitted.
func (e *Engine) Reconcile(ctx context.Context) ([]string, error) {
	untracked, err := e.git.Untracked()
	if err != nil {
		if ferrors.GetCategory(err) == ferrors.CategoryNotFound {
			return nil, nil // no repository yet
		}
		return nil, err
	}
	if len(untracked) > 0 {
		e.log.Warn("untracked record files found, leaving uncommitted",
			slog.Int("count", len(untracked)))
	}
	return untracked, nil
}
