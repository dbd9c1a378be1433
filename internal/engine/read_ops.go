package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/civicstack/civic/internal/auth"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/gitx"
	"github.com/civicstack/civic/internal/markdown"
	"github.com/civicstack/civic/internal/record"
)

// Get loads a record, DB row for metadata and file for content. Public
// callers see only published statuses; other records read as not found
// rather than forbidden, so existence is not probeable.
func (e *Engine) Get(ctx context.Context, p auth.Principal, recordType, slug string) (rec *record.Record, err error) {
	start := e.now()
	defer func() { e.observe("record:get", start, err) }()

	visible, err := e.visibleStatuses(p, recordType)
	if err != nil {
		return nil, err
	}

	cacheKey := "view:" + recordType + "/" + slug
	if e.records != nil && visible == nil {
		if raw, ok := e.records.Get(cacheKey); ok {
			e.metrics.CacheLookup("records", true)
			var cached record.Record
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
		e.metrics.CacheLookup("records", false)
	}

	rec, _, err = e.load(ctx, recordType, slug)
	if err != nil {
		return nil, err
	}
	if !statusVisible(visible, rec.Status) {
		return nil, ferrors.NotFound("record not found").
			WithContext("type", recordType).WithContext("slug", slug).Build()
	}

	if e.records != nil && visible == nil {
		if raw, err := json.Marshal(rec); err == nil {
			e.records.Set(cacheKey, raw)
		}
	}
	return rec, nil
}

// GetByID resolves the row by id, then reads through Get so the role
// filter applies.
func (e *Engine) GetByID(ctx context.Context, p auth.Principal, id string) (*record.Record, error) {
	row, err := e.db.GetRecordByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, p, row.Type, row.Slug)
}

// List queries the index mirror. The DB is authoritative for list and
// search; file contents are not consulted.
func (e *Engine) List(ctx context.Context, p auth.Principal, f db.ListFilter) (page *db.Page, err error) {
	start := e.now()
	defer func() { e.observe("record:list", start, err) }()

	visible, err := e.visibleStatuses(p, f.Type)
	if err != nil {
		return nil, err
	}
	if visible != nil {
		if f.Status != "" && !statusVisible(visible, f.Status) {
			return &db.Page{Limit: f.Limit, Offset: f.Offset}, nil
		}
		f.Statuses = visible
	}
	return e.db.ListRecords(ctx, f)
}

// Search is list restricted to a text query over title and excerpt.
func (e *Engine) Search(ctx context.Context, p auth.Principal, query string, f db.ListFilter) (*db.Page, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ferrors.Validation("search query is empty").Build()
	}
	f.Query = query
	return e.List(ctx, p, f)
}

// History returns the commits touching a record, newest first.
func (e *Engine) History(ctx context.Context, p auth.Principal, recordType, slug string) ([]gitx.Revision, error) {
	_, row, err := e.loadVisible(ctx, p, recordType, slug)
	if err != nil {
		return nil, err
	}
	return e.git.History(ctx, gitPath(row.Path))
}

// Show returns the record file content at a specific revision.
func (e *Engine) Show(ctx context.Context, p auth.Principal, recordType, slug, rev string) ([]byte, error) {
	_, row, err := e.loadVisible(ctx, p, recordType, slug)
	if err != nil {
		return nil, err
	}
	return e.git.Show(rev, gitPath(row.Path))
}

// Diff returns the unified diff of a record between two revisions.
func (e *Engine) Diff(ctx context.Context, p auth.Principal, recordType, slug, rev1, rev2 string) (string, error) {
	_, row, err := e.loadVisible(ctx, p, recordType, slug)
	if err != nil {
		return "", err
	}
	return e.git.Diff(ctx, rev1, rev2, gitPath(row.Path))
}

func (e *Engine) loadVisible(ctx context.Context, p auth.Principal, recordType, slug string) (*record.Record, *db.RecordRow, error) {
	visible, err := e.visibleStatuses(p, recordType)
	if err != nil {
		return nil, nil, err
	}
	rec, row, err := e.load(ctx, recordType, slug)
	if err != nil {
		return nil, nil, err
	}
	if !statusVisible(visible, rec.Status) {
		return nil, nil, ferrors.NotFound("record not found").
			WithContext("type", recordType).WithContext("slug", slug).Build()
	}
	return rec, row, nil
}

// ValidationIssue is one finding from Validate.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks a record offline: required fields, slug shape and
// uniqueness, configured type and status, known authors, date shape,
// lowercase tags, and that internal body links resolve.
func (e *Engine) Validate(ctx context.Context, rec *record.Record) ([]ValidationIssue, error) {
	var issues []ValidationIssue
	add := func(field, msg string) {
		issues = append(issues, ValidationIssue{Field: field, Message: msg})
	}

	if rec.Title == "" {
		add("title", "title is required")
	}
	if !e.cfg.Storage.HasType(rec.Type) {
		add("type", fmt.Sprintf("unknown record type %q", rec.Type))
	} else if !e.cfg.Workflows.HasStatus(rec.Type, rec.Status) {
		add("status", fmt.Sprintf("status %q is not in the configured set", rec.Status))
	}
	if !record.ValidSlug(rec.Slug) {
		add("slug", fmt.Sprintf("slug %q is not filename-safe", rec.Slug))
	} else if existing, err := e.db.GetRecordBySlug(ctx, rec.Type, rec.Slug); err == nil {
		if existing.ID != rec.ID {
			add("slug", fmt.Sprintf("slug %q is already taken by record %s", rec.Slug, existing.ID))
		}
	} else if ferrors.GetCategory(err) != ferrors.CategoryNotFound {
		return nil, err
	}

	if rec.Author != "" {
		if _, err := e.resolver.Resolve(ctx, rec.Author); err != nil {
			add("author", fmt.Sprintf("author %q is not a known user", rec.Author))
		}
	}
	for _, a := range rec.Authors {
		if _, err := e.resolver.Resolve(ctx, a.Username); err != nil {
			add("authors", fmt.Sprintf("author %q is not a known user", a.Username))
		}
	}

	if rec.CreatedAt.IsZero() {
		add("created_at", "created_at is missing")
	}
	if !rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(rec.CreatedAt) {
		add("updated_at", "updated_at precedes created_at")
	}

	for _, tag := range rec.Tags() {
		if tag != strings.ToLower(tag) {
			add("metadata.tags", fmt.Sprintf("tag %q must be lowercase", tag))
		}
	}

	analysis := markdown.Analyze([]byte(rec.Content))
	for _, link := range analysis.InternalLinks() {
		if !e.internalLinkResolves(ctx, link.Target) {
			add("content", fmt.Sprintf("internal link %q does not resolve", link.Target))
		}
	}
	return issues, nil
}

// internalLinkResolves accepts <type>/<slug> and <type>/<slug>.md link
// shapes; anything else is left to the author.
func (e *Engine) internalLinkResolves(ctx context.Context, target string) bool {
	target = strings.TrimSuffix(strings.TrimPrefix(target, "./"), ".md")
	parts := strings.Split(target, "/")
	if len(parts) != 2 || !e.cfg.Storage.HasType(parts[0]) {
		return true
	}
	_, err := e.db.GetRecordBySlug(ctx, parts[0], parts[1])
	return err == nil
}
