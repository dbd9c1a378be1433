package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	"github.com/civicstack/civic/internal/engine"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/frontmatter"
	"github.com/civicstack/civic/internal/store"
)

// InitCmd scaffolds a data directory.
type InitCmd struct {
	Path  string `arg:"" optional:"" help:"Directory to initialize" default:"."`
	Force bool   `help:"Overwrite an existing manifest"`
}

func (cmd *InitCmd) Run(g *Global) error {
	if err := config.Init(cmd.Path, cmd.Force); err != nil {
		return err
	}
	g.printf("Initialized civic data directory in %s\n", cmd.Path)
	return g.Print(map[string]any{"success": true, "path": cmd.Path}, nil)
}

// CreateCmd creates a record.
type CreateCmd struct {
	Type  string `arg:"" help:"Record type (bylaw, resolution, ...)"`
	Title string `arg:"" help:"Record title"`

	Slug        string `help:"Explicit slug (defaults to a slugified title)"`
	Status      string `help:"Initial status (defaults to the workflow's first status)"`
	ContentFile string `short:"f" help:"Read the body from this file instead of the type template" type:"existingfile"`
	Tags        string `help:"Comma-separated tags" placeholder:"TAGS"`
}

func (cmd *CreateCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}

	in := engine.CreateParams{
		Type:  cmd.Type,
		Title: cmd.Title,
		Slug:  cmd.Slug,
	}
	if cmd.Status != "" {
		in.Status = cmd.Status
	}
	if cmd.ContentFile != "" {
		data, err := os.ReadFile(cmd.ContentFile)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "read content file").
				WithContext("path", cmd.ContentFile).Build()
		}
		in.Content = string(data)
	}
	if cmd.Tags != "" {
		tags := make([]any, 0, 4)
		for _, t := range strings.Split(cmd.Tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, strings.ToLower(t))
			}
		}
		in.Metadata = map[string]any{"tags": tags}
	}

	rec, err := c.Engine.Create(ctx, p, in, g.Ops())
	if err != nil {
		return err
	}
	if g.CLI.DryRun {
		g.printf("Dry run: would create %s/%s\n", rec.Type, rec.Slug)
	} else {
		g.printf("Created %s/%s (%s)\n", rec.Type, rec.Slug, rec.ID)
	}
	return g.Print(rec, nil)
}

// EditCmd patches a record.
type EditCmd struct {
	Ref string `arg:"" help:"Record id or type/slug"`

	Title       string `help:"New title"`
	ContentFile string `short:"f" help:"Replace the body with this file's content" type:"existingfile"`
	Expect      string `help:"Fail unless updated_at matches (RFC3339)" placeholder:"TIMESTAMP"`
}

func (cmd *EditCmd) Run(g *Global) error {
	ctx := context.Background()
	if err := requireRef(cmd.Ref); err != nil {
		return err
	}
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	rec, err := resolveRecord(ctx, g, p, cmd.Ref)
	if err != nil {
		return err
	}

	patch := engine.UpdateParams{}
	if cmd.Title != "" {
		patch.Title = &cmd.Title
	}
	if cmd.ContentFile != "" {
		data, err := os.ReadFile(cmd.ContentFile)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "read content file").
				WithContext("path", cmd.ContentFile).Build()
		}
		content := string(data)
		patch.Content = &content
	}
	if cmd.Expect != "" {
		expect, err := parseRFC3339(cmd.Expect)
		if err != nil {
			return err
		}
		patch.ExpectedUpdatedAt = &expect
	}
	if patch.Title == nil && patch.Content == nil {
		return ferrors.Validation("nothing to edit: pass --title or --content-file").Build()
	}

	updated, err := c.Engine.Update(ctx, p, rec.Type, rec.Slug, patch, g.Ops())
	if err != nil {
		return err
	}
	g.printf("Updated %s/%s\n", updated.Type, updated.Slug)
	return g.Print(updated, nil)
}

// StatusCmd moves a record through the workflow.
type StatusCmd struct {
	Ref       string `arg:"" help:"Record id or type/slug"`
	NewStatus string `arg:"" help:"Target status"`
}

func (cmd *StatusCmd) Run(g *Global) error {
	ctx := context.Background()
	if err := requireRef(cmd.Ref); err != nil {
		return err
	}
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	rec, err := resolveRecord(ctx, g, p, cmd.Ref)
	if err != nil {
		return err
	}
	updated, err := c.Engine.SetStatus(ctx, p, rec.Type, rec.Slug, cmd.NewStatus, g.Ops())
	if err != nil {
		return err
	}
	g.printf("%s/%s: %s -> %s\n", updated.Type, updated.Slug, rec.Status, updated.Status)
	return g.Print(updated, nil)
}

// ArchiveCmd moves a record to the archive subtree.
type ArchiveCmd struct {
	Ref string `arg:"" help:"Record id or type/slug"`
}

func (cmd *ArchiveCmd) Run(g *Global) error {
	ctx := context.Background()
	if err := requireRef(cmd.Ref); err != nil {
		return err
	}
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	rec, err := resolveRecord(ctx, g, p, cmd.Ref)
	if err != nil {
		return err
	}
	if err := c.Engine.Delete(ctx, p, rec.Type, rec.Slug, g.Ops()); err != nil {
		return err
	}
	g.printf("Archived %s/%s\n", rec.Type, rec.Slug)
	return g.Print(map[string]any{"success": true, "type": rec.Type, "slug": rec.Slug}, nil)
}

// CommitCmd commits pending manual edits under records/ as the acting
// principal. Records edited through the engine are committed per
// operation; this covers direct filesystem edits.
type CommitCmd struct {
	Message string `arg:"" help:"Commit message"`
}

func (cmd *CommitCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	rev, err := c.Git.StageAndCommit(cmd.Message, identityFor(p), config.RecordsDir)
	if err != nil {
		return err
	}
	g.printf("Committed %s\n", shortRev(rev))
	return g.Print(map[string]any{"success": true, "commit": rev}, nil)
}

// ListCmd lists records visible to the principal.
type ListCmd struct {
	Type     string `help:"Filter by record type"`
	Status   string `help:"Filter by status"`
	Author   string `help:"Filter by author username"`
	Tag      string `help:"Filter by tag"`
	Archived bool   `help:"Include only archived records"`
	Limit    int    `help:"Page size" default:"50"`
	Offset   int    `help:"Page offset"`
}

func (cmd *ListCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}

	f := db.ListFilter{
		Type: cmd.Type, Status: cmd.Status, Author: cmd.Author,
		Archived: cmd.Archived, Limit: cmd.Limit, Offset: cmd.Offset,
	}
	if cmd.Tag != "" {
		f.Tags = []string{strings.ToLower(cmd.Tag)}
	}
	page, err := c.Engine.List(ctx, p, f)
	if err != nil {
		return err
	}

	// Failed sagas hold their resource locks until an operator drains
	// them; machine consumers get them alongside the listing.
	var failed []*db.SagaRow
	if g.CLI.JSON {
		if failed, err = c.DB.SagasInState(ctx, db.SagaFailed); err != nil {
			return err
		}
	}
	return g.Print(map[string]any{
		"records": page.Records, "total": page.Total,
		"limit": page.Limit, "offset": page.Offset,
		"failed_sagas": failed,
	}, func() {
		for _, row := range page.Records {
			fmt.Printf("%-12s %-28s %-10s %s\n", row.Type, row.Slug, row.Status, row.Title)
		}
		fmt.Printf("%d of %d records\n", len(page.Records), page.Total)
	})
}

// ViewCmd prints one record, optionally at a historic revision.
type ViewCmd struct {
	Ref string `arg:"" help:"Record id or type/slug"`
	Rev string `help:"Show the record at this git revision"`
}

func (cmd *ViewCmd) Run(g *Global) error {
	ctx := context.Background()
	if err := requireRef(cmd.Ref); err != nil {
		return err
	}
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	rec, err := resolveRecord(ctx, g, p, cmd.Ref)
	if err != nil {
		return err
	}

	if cmd.Rev != "" {
		data, err := c.Engine.Show(ctx, p, rec.Type, rec.Slug, cmd.Rev)
		if err != nil {
			return err
		}
		if !g.CLI.Silent && !g.CLI.JSON {
			fmt.Print(string(data))
		}
		return g.Print(map[string]any{"rev": cmd.Rev, "content": string(data)}, nil)
	}

	return g.Print(rec, func() {
		data, err := frontmatter.Serialize(rec, frontmatter.DefaultStyle)
		if err == nil {
			fmt.Print(string(data))
		}
	})
}

// SearchCmd queries titles and content excerpts.
type SearchCmd struct {
	Query string `arg:"" help:"Search text"`
	Type  string `help:"Restrict to one record type"`
	Limit int    `help:"Page size" default:"20"`
}

func (cmd *SearchCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	page, err := c.Engine.Search(ctx, p, cmd.Query, db.ListFilter{Type: cmd.Type, Limit: cmd.Limit})
	if err != nil {
		return err
	}
	return g.Print(page, func() {
		for _, row := range page.Records {
			fmt.Printf("%s/%s  %s\n", row.Type, row.Slug, row.Title)
		}
		fmt.Printf("%d matches\n", page.Total)
	})
}

// ValidateCmd checks frontmatter, slugs, authors, and internal links.
// Validation failures exit 2.
type ValidateCmd struct {
	Type string `arg:"" optional:"" help:"Restrict to one record type"`
	Slug string `arg:"" optional:"" help:"Restrict to one record"`
}

func (cmd *ValidateCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}

	rels, err := c.Store.List(store.ListFilter{Type: cmd.Type})
	if err != nil {
		return err
	}

	type fileIssues struct {
		File   string                   `json:"file"`
		Issues []engine.ValidationIssue `json:"issues"`
	}
	var report []fileIssues
	checked := 0
	for _, rel := range rels {
		rec, err := c.Store.Read(rel)
		if err != nil {
			report = append(report, fileIssues{File: rel, Issues: []engine.ValidationIssue{
				{Field: "frontmatter", Message: err.Error()},
			}})
			continue
		}
		if cmd.Slug != "" && rec.Slug != cmd.Slug {
			continue
		}
		checked++
		issues, err := c.Engine.Validate(ctx, rec)
		if err != nil {
			return err
		}
		if len(issues) > 0 {
			report = append(report, fileIssues{File: rel, Issues: issues})
		}
	}

	if err := g.Print(map[string]any{"checked": checked, "problems": report}, func() {
		for _, fi := range report {
			for _, issue := range fi.Issues {
				fmt.Printf("%s: %s: %s\n", fi.File, issue.Field, issue.Message)
			}
		}
		fmt.Printf("%d records checked, %d with problems\n", checked, len(report))
	}); err != nil {
		return err
	}
	if len(report) > 0 {
		return ferrors.Validation("validation found problems").
			WithContext("records", len(report)).Build()
	}
	return nil
}

// DiffCmd shows a record's change between two revisions.
type DiffCmd struct {
	Ref     string `arg:"" help:"Record id or type/slug"`
	Commit1 string `required:"" help:"Older revision"`
	Commit2 string `required:"" help:"Newer revision"`
}

func (cmd *DiffCmd) Run(g *Global) error {
	ctx := context.Background()
	if err := requireRef(cmd.Ref); err != nil {
		return err
	}
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}
	rec, err := resolveRecord(ctx, g, p, cmd.Ref)
	if err != nil {
		return err
	}
	patch, err := c.Engine.Diff(ctx, p, rec.Type, rec.Slug, cmd.Commit1, cmd.Commit2)
	if err != nil {
		return err
	}
	if !g.CLI.Silent && !g.CLI.JSON {
		fmt.Print(patch)
	}
	return g.Print(map[string]any{"diff": patch}, nil)
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
