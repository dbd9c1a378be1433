package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/auth"
	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/gitx"
	"github.com/civicstack/civic/internal/hooks"
	"github.com/civicstack/civic/internal/logfields"
	"github.com/civicstack/civic/internal/record"
	"github.com/civicstack/civic/internal/saga"
	"github.com/civicstack/civic/internal/store"
	"github.com/civicstack/civic/internal/templates"
	"github.com/civicstack/civic/internal/workflow"
)

// CreateParams describes a record to create. Slug, Status, and Content
// are optional: slug derives from the title, status defaults to the
// workflow's first status, content comes from the type's template.
type CreateParams struct {
	Type     string
	Title    string
	Slug     string
	Status   string
	Content  string
	Metadata map[string]any
	Authors  []record.Author
}

// gitPath maps a store-relative path to its repository path.
func gitPath(rel string) string {
	return path.Join(config.RecordsDir, rel)
}

// Create validates, then runs the create saga: write file, commit,
// index row. Validation failures never touch any store.
func (e *Engine) Create(ctx context.Context, p auth.Principal, in CreateParams, opts OpContext) (rec *record.Record, err error) {
	start := e.now()
	defer func() { e.observe("record:create", start, err) }()

	if !e.cfg.Storage.HasType(in.Type) {
		return nil, ferrors.Validation("unknown record type").
			WithContext("type", in.Type).Build()
	}
	if in.Title == "" {
		return nil, ferrors.Validation("title is required").Build()
	}
	if err := e.checker.CheckAct(p.Role, workflow.ActionCreate, in.Type); err != nil {
		return nil, err
	}

	status := in.Status
	if status == "" {
		statuses := e.cfg.Workflows.StatusesFor(in.Type)
		if len(statuses) == 0 {
			return nil, ferrors.Config("no statuses configured").
				WithContext("type", in.Type).Build()
		}
		status = statuses[0]
	}
	if !e.cfg.Workflows.HasStatus(in.Type, status) {
		return nil, ferrors.Validation("unknown status").
			WithContext("status", status).Build()
	}

	slug, err := e.freeSlug(ctx, in.Type, in.Slug, in.Title)
	if err != nil {
		return nil, err
	}

	authors := in.Authors
	if len(authors) == 0 {
		authors = []record.Author{{Username: p.Username, Role: p.Role}}
	}
	if err := e.resolveAuthors(ctx, authors); err != nil {
		return nil, err
	}

	now := e.now().UTC().Truncate(time.Second)
	rec = &record.Record{
		ID: record.NewID(), Slug: slug, Type: in.Type, Title: in.Title,
		Status: status, Content: in.Content,
		Author: p.Username, Authors: authors,
		CreatedAt: now, UpdatedAt: now,
		Metadata: in.Metadata,
	}
	if rec.Content == "" {
		body, err := e.renderer.Render(in.Type, templates.Data{
			Title: in.Title, Slug: slug, Type: in.Type,
			Status: status, Author: p.Username,
			Date: now.Format("2006-01-02"),
		})
		if err != nil {
			return nil, err
		}
		rec.Content = body
	}

	if opts.DryRun {
		return rec, nil
	}

	rel := store.RelPath(in.Type, slug)
	if err := e.audit(ctx, p, "record:create", in.Type, rec.ID,
		map[string]any{"slug": slug, "title": in.Title}); err != nil {
		return nil, err
	}

	commitRev, outcome, err := e.runCreateSaga(opts.hookCtx(ctx), p, rec, rel, opts.IdempotencyKey)
	e.auditResult(ctx, p, "record:create", in.Type, rec.ID, err)
	if err != nil {
		return nil, err
	}

	if outcome.Replayed {
		// The original run already committed and emitted.
		return e.loadResult(ctx, outcome.Result)
	}

	e.invalidate(in.Type, slug)
	e.log.Info("record created",
		logfields.RecordID(rec.ID), logfields.RecordType(in.Type),
		logfields.Slug(slug), logfields.Commit(commitRev))
	return rec, nil
}

// UpdateParams is a partial patch. Content fully replaces; Metadata is
// shallow-merged; Authors replaces when non-nil; Status goes through
// the transition check. ExpectedUpdatedAt, when set, enforces
// optimistic concurrency.
type UpdateParams struct {
	Title             *string
	Content           *string
	Metadata          map[string]any
	Authors           []record.Author
	Status            *string
	ExpectedUpdatedAt *time.Time
}

// Update applies a patch through the update saga.
func (e *Engine) Update(ctx context.Context, p auth.Principal, recordType, slug string, patch UpdateParams, opts OpContext) (rec *record.Record, err error) {
	start := e.now()
	defer func() { e.observe("record:update", start, err) }()
	return e.applyUpdate(ctx, p, recordType, slug, patch, opts, "record:update")
}

// SetStatus is the status-only specialization of Update. Setting the
// current status again is an audited no-op with no new commit.
func (e *Engine) SetStatus(ctx context.Context, p auth.Principal, recordType, slug, newStatus string, opts OpContext) (rec *record.Record, err error) {
	start := e.now()
	defer func() { e.observe("record:status", start, err) }()

	current, _, err := e.load(ctx, recordType, slug)
	if err != nil {
		return nil, err
	}
	if current.Status == newStatus {
		if err := e.activity.Append(ctx, activityUnchanged(p, current)); err != nil {
			return nil, err
		}
		return current, nil
	}
	return e.applyUpdate(ctx, p, recordType, slug,
		UpdateParams{Status: &newStatus}, opts, "record:status")
}

func (e *Engine) applyUpdate(ctx context.Context, p auth.Principal, recordType, slug string, patch UpdateParams, opts OpContext, action string) (*record.Record, error) {
	original, row, err := e.load(ctx, recordType, slug)
	if err != nil {
		return nil, err
	}
	if err := e.checker.CheckAct(p.Role, workflow.ActionEdit, recordType); err != nil {
		return nil, err
	}

	statusChanged := false
	if patch.Status != nil && *patch.Status != original.Status {
		if err := e.checker.CheckTransition(p.Role, recordType, original.Status, *patch.Status); err != nil {
			return nil, err
		}
		statusChanged = true
	}
	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(original.UpdatedAt) {
		return nil, ferrors.Conflict("record changed since it was read").
			WithContext("expected", patch.ExpectedUpdatedAt.Format(time.RFC3339)).
			WithContext("actual", original.UpdatedAt.Format(time.RFC3339)).Build()
	}

	updated := original.Clone()
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.Content != nil {
		updated.Content = *patch.Content
	}
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.Authors != nil {
		if err := e.resolveAuthors(ctx, patch.Authors); err != nil {
			return nil, err
		}
		updated.Authors = patch.Authors
	}
	if patch.Metadata != nil {
		if updated.Metadata == nil {
			updated.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			updated.Metadata[k] = v
		}
	}
	updated.UpdatedAt = e.now().UTC().Truncate(time.Second)

	if opts.DryRun {
		return updated, nil
	}

	rel := row.Path
	meta := map[string]any{"slug": slug}
	if statusChanged {
		meta["from"] = original.Status
		meta["to"] = updated.Status
	}
	if err := e.audit(ctx, p, action, recordType, original.ID, meta); err != nil {
		return nil, err
	}

	events := []string{"record:updated"}
	if statusChanged {
		events = append(events, "record:status-changed")
	}

	var commitRev string
	id := identity(p)
	outcome, err := e.sagas.Run(opts.hookCtx(ctx), saga.Definition{
		Name:           action,
		IdempotencyKey: opts.IdempotencyKey,
		Resources:      []string{record.ResourceID(recordType, slug)},
		Steps: []saga.Step{
			{
				Name: "write-file",
				Do: func(context.Context) (string, error) {
					return rel, e.store.Write(rel, updated)
				},
				Compensate: func(context.Context) error {
					return e.store.Write(rel, original)
				},
			},
			{
				Name: "git-commit",
				Do: func(context.Context) (string, error) {
					rev, err := e.git.StageAndCommit(
						fmt.Sprintf("update(%s): %s", recordType, slug), id, gitPath(rel))
					if errors.Is(err, gitx.ErrNothingToCommit) {
						return "", nil
					}
					commitRev = rev
					return rev, err
				},
				Compensate: func(context.Context) error {
					if commitRev == "" {
						return nil
					}
					_, err := e.git.Revert(commitRev, id)
					return err
				},
			},
			{
				Name: "db-upsert",
				Do: func(sctx context.Context) (string, error) {
					return "", e.db.Tx(sctx, func(tx *sql.Tx) error {
						return db.UpsertRecord(sctx, tx, db.RowFromRecord(updated, rel))
					})
				},
				Compensate: func(sctx context.Context) error {
					return e.db.Tx(sctx, func(tx *sql.Tx) error {
						return db.UpsertRecord(sctx, tx, db.RowFromRecord(original, rel))
					})
				},
			},
			{
				Name: "emit-events",
				Do: func(sctx context.Context) (string, error) {
					return "", e.emitRecordEvents(sctx, p, updated, commitRev, events...)
				},
			},
		},
		Result: func() string { return encodeResult(updated.ID, recordType, slug) },
	})
	e.auditResult(ctx, p, action, recordType, original.ID, err)
	if err != nil {
		e.metrics.Saga(action, db.SagaCompensated)
		return nil, err
	}
	e.metrics.Saga(action, db.SagaCompleted)

	if outcome.Replayed {
		return e.loadResult(ctx, outcome.Result)
	}

	e.invalidate(recordType, slug)
	return updated, nil
}

// Delete archives (or removes, per storage policy) a record.
func (e *Engine) Delete(ctx context.Context, p auth.Principal, recordType, slug string, opts OpContext) (err error) {
	start := e.now()
	defer func() { e.observe("record:delete", start, err) }()

	original, row, err := e.load(ctx, recordType, slug)
	if err != nil {
		return err
	}
	if err := e.checker.CheckAct(p.Role, workflow.ActionDelete, recordType); err != nil {
		return err
	}
	if opts.DryRun {
		return nil
	}

	rel := row.Path
	if err := e.audit(ctx, p, "record:delete", recordType, original.ID,
		map[string]any{"slug": slug}); err != nil {
		return err
	}

	var archivedRel, commitRev string
	id := identity(p)
	_, err = e.sagas.Run(opts.hookCtx(ctx), saga.Definition{
		Name:           "record:delete",
		IdempotencyKey: opts.IdempotencyKey,
		Resources:      []string{record.ResourceID(recordType, slug)},
		Steps: []saga.Step{
			{
				Name: "archive-file",
				Do: func(context.Context) (string, error) {
					var err error
					archivedRel, err = e.store.Delete(rel)
					return archivedRel, err
				},
				Compensate: func(context.Context) error {
					if archivedRel != "" {
						_, err := e.store.Restore(archivedRel)
						return err
					}
					return e.store.Write(rel, original)
				},
			},
			{
				Name: "git-commit",
				Do: func(context.Context) (string, error) {
					paths := []string{gitPath(rel)}
					if archivedRel != "" {
						paths = append(paths, gitPath(archivedRel))
					}
					rev, err := e.git.StageAndCommit(
						fmt.Sprintf("chore(%s): archive %s", recordType, slug), id, paths...)
					commitRev = rev
					return rev, err
				},
				Compensate: func(context.Context) error {
					if commitRev == "" {
						return nil
					}
					_, err := e.git.Revert(commitRev, id)
					return err
				},
			},
			{
				Name: "db-archive",
				Do: func(sctx context.Context) (string, error) {
					return "", e.db.Tx(sctx, func(tx *sql.Tx) error {
						if archivedRel == "" {
							return db.DeleteRecord(sctx, tx, original.ID)
						}
						return db.MarkArchived(sctx, tx, original.ID, true, archivedRel)
					})
				},
				Compensate: func(sctx context.Context) error {
					return e.db.Tx(sctx, func(tx *sql.Tx) error {
						if archivedRel == "" {
							return db.UpsertRecord(sctx, tx, db.RowFromRecord(original, rel))
						}
						return db.MarkArchived(sctx, tx, original.ID, false, rel)
					})
				},
			},
			{
				Name: "emit-events",
				Do: func(sctx context.Context) (string, error) {
					return "", e.emitRecordEvents(sctx, p, original, commitRev, "record:deleted")
				},
			},
		},
	})
	e.auditResult(ctx, p, "record:delete", recordType, original.ID, err)
	if err != nil {
		e.metrics.Saga("record:delete", db.SagaCompensated)
		return err
	}
	e.metrics.Saga("record:delete", db.SagaCompleted)

	e.invalidate(recordType, slug)
	return nil
}

// runCreateSaga executes the create saga shared by Create and Import:
// write the file, commit it, insert the mirror row, emit the record
// events. Emission is a step so a sync handler failure rolls the
// create back, and a replayed saga never emits twice.
func (e *Engine) runCreateSaga(ctx context.Context, p auth.Principal, rec *record.Record, rel, key string) (string, *saga.Outcome, error) {
	var commitRev string
	id := identity(p)
	outcome, err := e.sagas.Run(ctx, saga.Definition{
		Name:           "record:create",
		IdempotencyKey: key,
		Resources:      []string{record.ResourceID(rec.Type, rec.Slug)},
		Steps: []saga.Step{
			{
				Name: "write-file",
				Do: func(context.Context) (string, error) {
					return rel, e.store.Write(rel, rec)
				},
				Compensate: func(context.Context) error {
					return e.store.Remove(rel)
				},
			},
			{
				Name: "git-commit",
				Do: func(context.Context) (string, error) {
					rev, err := e.git.StageAndCommit(
						fmt.Sprintf("feat(%s): add %s", rec.Type, rec.Slug), id, gitPath(rel))
					commitRev = rev
					return rev, err
				},
				Compensate: func(context.Context) error {
					if commitRev == "" {
						return e.git.Unstage(gitPath(rel))
					}
					_, err := e.git.Revert(commitRev, id)
					return err
				},
			},
			{
				Name: "db-insert",
				Do: func(sctx context.Context) (string, error) {
					return "", e.db.Tx(sctx, func(tx *sql.Tx) error {
						return db.UpsertRecord(sctx, tx, db.RowFromRecord(rec, rel))
					})
				},
				Compensate: func(sctx context.Context) error {
					return e.db.Tx(sctx, func(tx *sql.Tx) error {
						return db.DeleteRecord(sctx, tx, rec.ID)
					})
				},
			},
			{
				Name: "emit-events",
				Do: func(sctx context.Context) (string, error) {
					return "", e.emitRecordEvents(sctx, p, rec, commitRev, "record:created")
				},
			},
		},
		Result: func() string { return encodeResult(rec.ID, rec.Type, rec.Slug) },
	})
	if err != nil {
		e.metrics.Saga("record:create", db.SagaCompensated)
		return "", nil, err
	}
	e.metrics.Saga("record:create", db.SagaCompleted)
	return commitRev, outcome, nil
}

// freeSlug picks the first free numbered slug for the type.
func (e *Engine) freeSlug(ctx context.Context, recordType, explicit, title string) (string, error) {
	base := explicit
	if base == "" {
		base = record.Slugify(title)
	}
	if !record.ValidSlug(base) {
		return "", ferrors.Validation("invalid slug").
			WithContext("slug", base).Build()
	}

	taken := map[string]struct{}{}
	existing, err := e.db.SlugsWithPrefix(ctx, recordType, base)
	if err != nil {
		return "", err
	}
	for _, s := range existing {
		taken[s] = struct{}{}
	}

	candidate := base
	for n := 2; ; n++ {
		_, inDB := taken[candidate]
		if !inDB && !e.store.Exists(store.RelPath(recordType, candidate)) {
			return candidate, nil
		}
		candidate = record.NumberedSlug(base, n)
	}
}

// resolveAuthors enforces that every listed author is a known user.
func (e *Engine) resolveAuthors(ctx context.Context, authors []record.Author) error {
	for _, a := range authors {
		if _, err := e.resolver.Resolve(ctx, a.Username); err != nil {
			return ferrors.Validation("author is not a known user").
				WithContext("username", a.Username).Build()
		}
	}
	return nil
}

// load fetches the index row and the file content for a record.
func (e *Engine) load(ctx context.Context, recordType, slug string) (*record.Record, *db.RecordRow, error) {
	row, err := e.db.GetRecordBySlug(ctx, recordType, slug)
	if err != nil {
		return nil, nil, err
	}
	rec, err := e.store.Read(row.Path)
	if err != nil {
		return nil, nil, err
	}
	return rec, row, nil
}

// emitRecordEvents runs as the final step of every write saga. A sync
// handler failure fails the step, which compensates the writes that
// preceded it; async handler errors never surface here.
func (e *Engine) emitRecordEvents(ctx context.Context, p auth.Principal, rec *record.Record, commitRev string, names ...string) error {
	if commitRev != "" {
		names = append(names, "record:committed")
	}
	for _, name := range names {
		event := hooks.Event{
			Name: name, Actor: p.Username,
			RecordID: rec.ID, RecordType: rec.Type, Slug: rec.Slug,
			Payload: map[string]any{"status": rec.Status},
		}
		if commitRev != "" {
			event.Payload["commit"] = commitRev
		}
		if err := e.bus.Emit(ctx, event); err != nil {
			e.metrics.HookFailure(name)
			e.log.Error("hook dispatch failed", logfields.Hook(name), logfields.Error(err))
			return err
		}
	}
	return nil
}

type sagaResult struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Slug string `json:"slug"`
}

func encodeResult(id, recordType, slug string) string {
	raw, _ := json.Marshal(sagaResult{ID: id, Type: recordType, Slug: slug})
	return string(raw)
}

// loadResult reloads the record named by a stored saga result, for
// idempotent replays.
func (e *Engine) loadResult(ctx context.Context, result string) (*record.Record, error) {
	var r sagaResult
	if err := json.Unmarshal([]byte(result), &r); err != nil {
		return nil, ferrors.Saga("stored saga result is unreadable").WithCause(err).Build()
	}
	rec, _, err := e.load(ctx, r.Type, r.Slug)
	return rec, err
}

func activityUnchanged(p auth.Principal, rec *record.Record) activity.Entry {
	return activity.Entry{
		Source: "cli", Actor: p.Username, Action: "record:status.unchanged",
		TargetType: rec.Type, TargetID: rec.ID, Result: rec.Status,
	}
}
