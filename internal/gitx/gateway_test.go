package gitx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

var testID = Identity{Name: "tester", Email: "t@example.com"}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	abs := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o750))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o640))
}

func TestInitOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "records/bylaw/noise.md", "one\n")
	rev, err := g.StageAndCommit("feat(bylaw): add noise", testID, "records/bylaw/noise.md")
	require.NoError(t, err)
	assert.Len(t, rev, 40)

	head, err := g.Head()
	require.NoError(t, err)
	assert.Equal(t, rev, head)
}

func TestCommitIdentityIsPerCall(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "a.md", "a\n")
	_, err := g.StageAndCommit("add a", Identity{Name: "clerk", Email: "clerk@town.gov"}, "a.md")
	require.NoError(t, err)

	writeFile(t, dir, "b.md", "b\n")
	_, err = g.StageAndCommit("add b", Identity{Name: "council", Email: "council@town.gov"}, "b.md")
	require.NoError(t, err)

	revs, err := g.History(context.Background(), "b.md")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "council", revs[0].Author)
	assert.Equal(t, "council@town.gov", revs[0].Email)
}

func TestNothingToCommit(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)
	writeFile(t, dir, "a.md", "a\n")
	_, err := g.StageAndCommit("add a", testID, "a.md")
	require.NoError(t, err)

	_, err = g.Commit("empty", testID)
	assert.ErrorIs(t, err, ErrNothingToCommit)
}

func TestHistoryAndShow(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "records/bylaw/noise.md", "v1\n")
	rev1, err := g.StageAndCommit("add", testID, "records/bylaw/noise.md")
	require.NoError(t, err)

	writeFile(t, dir, "records/bylaw/noise.md", "v2\n")
	rev2, err := g.StageAndCommit("update", testID, "records/bylaw/noise.md")
	require.NoError(t, err)

	revs, err := g.History(context.Background(), "records/bylaw/noise.md")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, rev2, revs[0].Hash) // newest first
	assert.Equal(t, rev1, revs[1].Hash)

	content, err := g.Show(rev1, "records/bylaw/noise.md")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(content))
}

func TestShowMissingFile(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)
	writeFile(t, dir, "a.md", "a\n")
	rev, err := g.StageAndCommit("add", testID, "a.md")
	require.NoError(t, err)

	_, err = g.Show(rev, "missing.md")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryNotFound, ferrors.GetCategory(err))
}

func TestDiffBetweenRevisions(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "records/bylaw/noise.md", "status: draft\n")
	rev1, err := g.StageAndCommit("add", testID, "records/bylaw/noise.md")
	require.NoError(t, err)

	writeFile(t, dir, "records/bylaw/noise.md", "status: approved\n")
	rev2, err := g.StageAndCommit("approve", testID, "records/bylaw/noise.md")
	require.NoError(t, err)

	diff, err := g.Diff(context.Background(), rev1, rev2, "records/bylaw/noise.md")
	require.NoError(t, err)
	assert.Contains(t, diff, "-status: draft")
	assert.Contains(t, diff, "+status: approved")
}

func TestRevertRemovesAddedFile(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "base.md", "base\n")
	_, err := g.StageAndCommit("base", testID, "base.md")
	require.NoError(t, err)

	writeFile(t, dir, "records/bylaw/noise.md", "new\n")
	rev, err := g.StageAndCommit("feat(bylaw): add noise", testID, "records/bylaw/noise.md")
	require.NoError(t, err)

	revertRev, err := g.Revert(rev, testID)
	require.NoError(t, err)
	assert.NotEqual(t, rev, revertRev)

	// The file is gone from the working tree and from HEAD.
	_, statErr := os.Stat(filepath.Join(dir, "records/bylaw/noise.md"))
	assert.True(t, os.IsNotExist(statErr))
	head, err := g.Head()
	require.NoError(t, err)
	_, err = g.Show(head, "records/bylaw/noise.md")
	assert.Error(t, err)

	revs, err := g.History(context.Background(), "records/bylaw/noise.md")
	require.NoError(t, err)
	require.NotEmpty(t, revs)
	assert.True(t, strings.HasPrefix(revs[0].Message, "revert:"))
}

func TestRevertRestoresModifiedFile(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "a.md", "v1\n")
	_, err := g.StageAndCommit("add", testID, "a.md")
	require.NoError(t, err)

	writeFile(t, dir, "a.md", "v2\n")
	rev, err := g.StageAndCommit("update", testID, "a.md")
	require.NoError(t, err)

	_, err = g.Revert(rev, testID)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(data))
}

func TestUntrackedReporting(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)

	writeFile(t, dir, "a.md", "a\n")
	_, err := g.StageAndCommit("add", testID, "a.md")
	require.NoError(t, err)

	// Simulates a crash after file write before stage+commit.
	writeFile(t, dir, "records/bylaw/orphan.md", "orphan\n")

	untracked, err := g.Untracked()
	require.NoError(t, err)
	assert.Contains(t, untracked, "records/bylaw/orphan.md")
}

func TestHeadOnEmptyRepoIsNotFound(t *testing.T) {
	dir := t.TempDir()
	g := Open(dir)
	_, err := g.Head()
	require.Error(t, err)
}
