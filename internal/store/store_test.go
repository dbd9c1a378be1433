package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/civic/internal/config"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), nil)
}

func sampleRecord(slug string) *record.Record {
	return &record.Record{
		ID: "rec-" + slug, Slug: slug, Type: "bylaw",
		Title: "Record " + slug, Status: "draft",
		Content: "Body of " + slug + ".\n",
		Author:  "clerk",
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	r := sampleRecord("noise")

	require.NoError(t, s.Write(RelPath("bylaw", "noise"), r))

	got, err := s.Read("bylaw/noise.md")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Title, got.Title)
	assert.Equal(t, r.Content, got.Content)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("bylaw/noise.md", sampleRecord("noise")))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "bylaw"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "noise.md", entries[0].Name())
}

func TestReadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("bylaw/missing.md")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryNotFound, ferrors.GetCategory(err))
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AbsPath("../outside.md")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))

	_, err = s.AbsPath("/etc/passwd")
	require.Error(t, err)
}

func TestListFiltersAndSorts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("bylaw/zoning.md", sampleRecord("zoning")))
	require.NoError(t, s.Write("bylaw/noise.md", sampleRecord("noise")))
	policy := sampleRecord("privacy")
	policy.Type = "policy"
	require.NoError(t, s.Write("policy/privacy.md", policy))

	all, err := s.List(ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"bylaw/noise.md", "bylaw/zoning.md", "policy/privacy.md"}, all)

	bylaws, err := s.List(ListFilter{Type: "bylaw"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bylaw/noise.md", "bylaw/zoning.md"}, bylaws)

	glob, err := s.List(ListFilter{Pattern: "*/n*.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bylaw/noise.md"}, glob)
}

func TestListSkipsArchiveByDefault(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("bylaw/noise.md", sampleRecord("noise")))
	_, err := s.Delete("bylaw/noise.md")
	require.NoError(t, err)

	visible, err := s.List(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	withArchive, err := s.List(ListFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"archive/bylaw/noise.md"}, withArchive)
}

func TestListEmptyRootIsNotAnError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	got, err := s.List(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteMovesToArchive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("bylaw/noise.md", sampleRecord("noise")))

	archived, err := s.Delete("bylaw/noise.md")
	require.NoError(t, err)
	assert.Equal(t, "archive/bylaw/noise.md", archived)
	assert.False(t, s.Exists("bylaw/noise.md"))
	assert.True(t, s.Exists(archived))
}

func TestDeletePolicyDelete(t *testing.T) {
	s := New(t.TempDir(), &config.StorageConfig{ArchivePolicy: config.ArchiveDelete})
	require.NoError(t, s.Write("bylaw/noise.md", sampleRecord("noise")))

	archived, err := s.Delete("bylaw/noise.md")
	require.NoError(t, err)
	assert.Empty(t, archived)
	assert.False(t, s.Exists("bylaw/noise.md"))
}

func TestRestoreUndoesArchive(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("bylaw/noise.md", sampleRecord("noise")))
	archived, err := s.Delete("bylaw/noise.md")
	require.NoError(t, err)

	rel, err := s.Restore(archived)
	require.NoError(t, err)
	assert.Equal(t, "bylaw/noise.md", rel)
	assert.True(t, s.Exists("bylaw/noise.md"))
}

func TestSizeLimitEnforced(t *testing.T) {
	s := New(t.TempDir(), &config.StorageConfig{MaxRecordBytes: 64, ArchivePolicy: config.ArchiveMove})
	r := sampleRecord("big")
	r.Content = strings.Repeat("x", 200)

	err := s.Write("bylaw/big.md", r)
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))
}
