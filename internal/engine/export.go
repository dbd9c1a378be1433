package engine

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/auth"
	"github.com/civicstack/civic/internal/config"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/frontmatter"
	"github.com/civicstack/civic/internal/record"
	"github.com/civicstack/civic/internal/store"
	"github.com/civicstack/civic/internal/workflow"
)

// Export writes a tar.gz of every record file the principal may view,
// plus index.yml when present. Entries are ordered by path and carry
// the record's updated_at as mtime, so exporting twice with no changes
// yields identical archives.
func (e *Engine) Export(ctx context.Context, p auth.Principal, w io.Writer) (err error) {
	start := e.now()
	defer func() { e.observe("record:export", start, err) }()

	rels, err := e.store.List(store.ListFilter{})
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	count := 0
	for _, rel := range rels {
		if ctx.Err() != nil {
			return ferrors.Wrap(ctx.Err(), ferrors.CategoryOperational, "export cancelled").Build()
		}
		rec, err := e.store.Read(rel)
		if err != nil {
			return err
		}
		visible, err := e.visibleStatuses(p, rec.Type)
		if err != nil {
			return err
		}
		if !statusVisible(visible, rec.Status) {
			continue
		}
		data, err := frontmatter.Serialize(rec, frontmatter.DefaultStyle)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryValidation, "serialize record").
				WithContext("path", rel).Build()
		}
		if err := writeTarFile(tw, path.Join(config.RecordsDir, rel), data, rec.UpdatedAt); err != nil {
			return err
		}
		count++
	}

	if index, err := os.ReadFile(e.cfg.Manifest.IndexPath()); err == nil {
		mtime := time.Unix(0, 0).UTC()
		if err := writeTarFile(tw, path.Join(config.RecordsDir, "index.yml"), index, mtime); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "finalize archive").Build()
	}
	if err := gz.Close(); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "finalize archive").Build()
	}

	e.auditExport(ctx, p, count)
	return nil
}

// ImportReport summarizes one import run.
type ImportReport struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Import replays an exported archive through the create saga, one saga
// per record, preserving ids, slugs, and timestamps. A record whose
// (type, slug) already exists is skipped; a record that fails keeps the
// rest of the archive importing.
func (e *Engine) Import(ctx context.Context, p auth.Principal, r io.Reader, opts OpContext) (rep *ImportReport, err error) {
	start := e.now()
	defer func() { e.observe("record:import", start, err) }()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryValidation, "not a gzip archive").Build()
	}
	defer gz.Close()

	rep = &ImportReport{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rep, ferrors.Wrap(err, ferrors.CategoryValidation, "corrupt archive").Build()
		}
		name := path.Clean(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(name, ".md") {
			continue
		}
		rel, ok := strings.CutPrefix(name, config.RecordsDir+"/")
		if !ok || strings.HasPrefix(rel, config.ArchiveDir+"/") {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return rep, ferrors.Wrap(err, ferrors.CategoryValidation, "corrupt archive").Build()
		}
		rec, _, err := frontmatter.Parse(data)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		switch err := e.importOne(ctx, p, rec, opts); {
		case err == nil:
			rep.Created++
		case ferrors.GetCategory(err) == ferrors.CategoryConflict:
			rep.Skipped++
		default:
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", rel, err))
		}
	}
	return rep, nil
}

// importOne runs the create saga for an already-materialized record,
// keeping its id, slug, and timestamps.
func (e *Engine) importOne(ctx context.Context, p auth.Principal, rec *record.Record, opts OpContext) error {
	if !e.cfg.Storage.HasType(rec.Type) {
		return ferrors.Validation("unknown record type").
			WithContext("type", rec.Type).Build()
	}
	if err := e.checker.CheckAct(p.Role, workflow.ActionCreate, rec.Type); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	if !record.ValidSlug(rec.Slug) {
		return ferrors.Validation("invalid slug").WithContext("slug", rec.Slug).Build()
	}

	rel := store.RelPath(rec.Type, rec.Slug)
	if e.store.Exists(rel) {
		return ferrors.Conflict("record already exists").
			WithContext("type", rec.Type).WithContext("slug", rec.Slug).Build()
	}
	if opts.DryRun {
		return nil
	}

	key := ""
	if opts.IdempotencyKey != "" {
		key = opts.IdempotencyKey + ":" + rec.Type + "/" + rec.Slug
	}

	if err := e.audit(ctx, p, "record:create", rec.Type, rec.ID,
		map[string]any{"slug": rec.Slug, "import": true}); err != nil {
		return err
	}
	_, outcome, err := e.runCreateSaga(opts.hookCtx(ctx), p, rec, rel, key)
	e.auditResult(ctx, p, "record:create", rec.Type, rec.ID, err)
	if err != nil {
		return err
	}
	if outcome.Replayed {
		return nil
	}
	e.invalidate(rec.Type, rec.Slug)
	return nil
}

func (e *Engine) auditExport(ctx context.Context, p auth.Principal, count int) {
	err := e.activity.Append(ctx, activity.Entry{
		Source: "cli", Actor: p.Username, Action: "record:export.completed",
		Result: "success", Metadata: map[string]any{"records": count},
	})
	if err != nil {
		e.log.Warn("export audit entry failed")
	}
}

func writeTarFile(tw *tar.Writer, name string, data []byte, mtime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    int64(len(data)),
		ModTime: mtime.UTC().Truncate(time.Second),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "write archive header").
			WithContext("path", name).Build()
	}
	if _, err := tw.Write(data); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "write archive entry").
			WithContext("path", name).Build()
	}
	return nil
}
