package index

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/record"
	"github.com/civicstack/civic/internal/store"
)

type fixture struct {
	dir    string
	store  *store.Store
	mirror *db.DB
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	manifest := &config.Manifest{DataDir: dir}

	mirror, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(filepath.Join(dir, config.RecordsDir), nil)
	act := activity.New(filepath.Join(dir, "activity.log"), 0, mirror, log)

	return &fixture{
		dir:    dir,
		store:  st,
		mirror: mirror,
		svc:    New(st, mirror, act, manifest, log),
	}
}

func testRecord(recordType, slug, status string) *record.Record {
	created := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &record.Record{
		ID: record.NewID(), Slug: slug, Type: recordType,
		Title: slug, Status: status, Author: "clerk1",
		Content:   "# " + slug + "\n",
		CreatedAt: created, UpdatedAt: created,
	}
}

func (f *fixture) write(t *testing.T, rec *record.Record) string {
	t.Helper()
	rel := store.RelPath(rec.Type, rec.Slug)
	require.NoError(t, f.store.Write(rel, rec))
	return rel
}

func (f *fixture) upsert(t *testing.T, rec *record.Record, rel string) {
	t.Helper()
	err := f.mirror.Tx(context.Background(), func(tx *sql.Tx) error {
		return db.UpsertRecord(context.Background(), tx, db.RowFromRecord(rec, rel))
	})
	require.NoError(t, err)
}

func TestGenerateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.write(t, testRecord("bylaw", "noise", "draft"))
	f.write(t, testRecord("policy", "parks", "approved"))

	first, err := f.svc.Generate(context.Background())
	require.NoError(t, err)
	second, err := f.svc.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	changed, err := f.svc.Write(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.svc.Write(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDocumentOrderingAndSummary(t *testing.T) {
	f := newFixture(t)
	f.write(t, testRecord("policy", "zoning", "draft"))
	b := testRecord("bylaw", "bravo", "draft")
	b.Metadata = map[string]any{"module": "safety", "tags": []any{"noise"}, "version": 2}
	f.write(t, b)
	f.write(t, testRecord("bylaw", "alpha", "draft"))

	doc, err := f.svc.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Records, 3)
	assert.Equal(t, "alpha", doc.Records[0].Metadata.Slug)
	assert.Equal(t, "bravo", doc.Records[1].Metadata.Slug)
	assert.Equal(t, "zoning", doc.Records[2].Metadata.Slug)

	assert.Equal(t, 3, doc.Metadata.TotalRecords)
	assert.Equal(t, []string{"bylaw", "policy"}, doc.Metadata.Types)
	assert.Equal(t, []string{"safety"}, doc.Metadata.Modules)
	assert.Equal(t, GeneratorVersion, doc.Metadata.GeneratorVersion)
	assert.NotEmpty(t, doc.Metadata.GeneratedAt)

	assert.Equal(t, []string{"noise"}, doc.Records[1].Metadata.Tags)
	assert.Equal(t, "safety", doc.Records[1].Metadata.Module)
}

func TestMalformedRecordLandsInErrors(t *testing.T) {
	f := newFixture(t)
	f.write(t, testRecord("bylaw", "good", "draft"))

	badDir := filepath.Join(f.dir, config.RecordsDir, "bylaw")
	require.NoError(t, os.MkdirAll(badDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "broken.md"),
		[]byte("---\ntitle: [\n---\nbody\n"), 0o640))

	doc, err := f.svc.Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.Records, 1)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, "bylaw/broken.md", doc.Errors[0].File)

	// The errors section survives serialization.
	data, err := f.svc.Generate(context.Background())
	require.NoError(t, err)
	var parsed Document
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Len(t, parsed.Errors, 1)
}

func TestSyncAddsMissingRows(t *testing.T) {
	f := newFixture(t)
	f.write(t, testRecord("bylaw", "noise", "draft"))

	rep, err := f.svc.Sync(context.Background(), PolicyFileWins)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Added)
	assert.Zero(t, rep.Resolved)

	row, err := f.mirror.GetRecordBySlug(context.Background(), "bylaw", "noise")
	require.NoError(t, err)
	assert.Equal(t, "draft", row.Status)
}

func TestSyncFileWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := testRecord("bylaw", "noise", "draft")
	rel := f.write(t, rec)
	f.upsert(t, rec, rel)

	// Frontmatter edited directly on disk.
	rec.Status = "approved"
	f.write(t, rec)

	rep, err := f.svc.Sync(ctx, PolicyFileWins)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)

	row, err := f.mirror.GetRecordBySlug(ctx, "bylaw", "noise")
	require.NoError(t, err)
	assert.Equal(t, "approved", row.Status)

	entries, err := f.mirror.QueryActivity(ctx, db.ActivityFilter{Action: "sync.conflict_resolved"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, PolicyFileWins, entries[0].Metadata["policy"])
}

func TestSyncDatabaseWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := testRecord("bylaw", "noise", "approved")
	rel := f.write(t, rec)
	f.upsert(t, rec, rel)

	drifted := rec.Clone()
	drifted.Status = "draft"
	f.write(t, drifted)

	rep, err := f.svc.Sync(ctx, PolicyDatabaseWins)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)

	onDisk, err := f.store.Read(rel)
	require.NoError(t, err)
	assert.Equal(t, "approved", onDisk.Status)
}

func TestSyncTimestampPrefersNewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := testRecord("bylaw", "noise", "draft")
	rel := f.write(t, rec)
	f.upsert(t, rec, rel)

	// The file edit is newer than the row, so the file side wins.
	newer := rec.Clone()
	newer.Status = "approved"
	newer.UpdatedAt = rec.UpdatedAt.Add(time.Hour)
	f.write(t, newer)

	rep, err := f.svc.Sync(ctx, PolicyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Resolved)
	row, err := f.mirror.GetRecordBySlug(ctx, "bylaw", "noise")
	require.NoError(t, err)
	assert.Equal(t, "approved", row.Status)
}

func TestSyncManualLeavesBothAndRecordsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := testRecord("bylaw", "noise", "draft")
	rel := f.write(t, rec)
	f.upsert(t, rec, rel)

	drifted := rec.Clone()
	drifted.Status = "approved"
	f.write(t, drifted)

	rep, err := f.svc.Sync(ctx, PolicyManual)
	require.NoError(t, err)
	assert.Zero(t, rep.Resolved)
	assert.Equal(t, []string{rel}, rep.Conflicts)

	row, err := f.mirror.GetRecordBySlug(ctx, "bylaw", "noise")
	require.NoError(t, err)
	assert.Equal(t, "draft", row.Status) // row untouched
	onDisk, err := f.store.Read(rel)
	require.NoError(t, err)
	assert.Equal(t, "approved", onDisk.Status) // file untouched

	entries, err := f.mirror.QueryActivity(ctx, db.ActivityFilter{Action: "sync.conflict_detected"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSyncRemovesOrphanRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ghost := testRecord("bylaw", "ghost", "draft")
	f.upsert(t, ghost, store.RelPath("bylaw", "ghost"))

	rep, err := f.svc.Sync(ctx, PolicyFileWins)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Removed)

	_, err = f.mirror.GetRecordBySlug(ctx, "bylaw", "ghost")
	assert.Equal(t, ferrors.CategoryNotFound, ferrors.GetCategory(err))
}

func TestSyncRejectsUnknownPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Sync(context.Background(), "newest-wins")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))
}
