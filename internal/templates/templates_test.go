package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

func setup(t *testing.T) (string, *Renderer) {
	t.Helper()
	civicDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(civicDir, "templates"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(civicDir, "partials"), 0o750))
	return civicDir, NewRenderer(civicDir)
}

func TestDefaultTemplate(t *testing.T) {
	_, r := setup(t)

	out, err := r.Render("bylaw", Data{Title: "Noise Curfew", Author: "clerk1", Date: "2026-03-14"})
	require.NoError(t, err)
	assert.Contains(t, out, "# Noise Curfew")
	assert.Contains(t, out, "clerk1")
	assert.Contains(t, out, "2026-03-14")
	assert.False(t, r.HasTemplate("bylaw"))
}

func TestPerTypeTemplate(t *testing.T) {
	civicDir, r := setup(t)
	tmpl := "# {{.Title}}\n\n## Whereas\n\n## Resolved\n\nStatus: {{.Status}}\n"
	require.NoError(t, os.WriteFile(filepath.Join(civicDir, "templates", "resolution.md"), []byte(tmpl), 0o640))

	out, err := r.Render("resolution", Data{Title: "Budget 2026", Status: "draft"})
	require.NoError(t, err)
	assert.Contains(t, out, "## Whereas")
	assert.Contains(t, out, "Status: draft")
	assert.True(t, r.HasTemplate("resolution"))

	// Other types still use the default.
	out, err = r.Render("bylaw", Data{Title: "Other", Author: "a"})
	require.NoError(t, err)
	assert.NotContains(t, out, "Whereas")
}

func TestPartials(t *testing.T) {
	civicDir, r := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(civicDir, "partials", "signature.md"),
		[]byte("Signed, {{.Author}}"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(civicDir, "templates", "bylaw.md"),
		[]byte("# {{.Title}}\n\n{{template \"signature\" .}}\n"), 0o640))

	out, err := r.Render("bylaw", Data{Title: "Noise", Author: "clerk1"})
	require.NoError(t, err)
	assert.Contains(t, out, "Signed, clerk1")
}

func TestBrokenTemplateIsConfigError(t *testing.T) {
	civicDir, r := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(civicDir, "templates", "bylaw.md"),
		[]byte("{{.Title"), 0o640))

	_, err := r.Render("bylaw", Data{Title: "x"})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConfig, ferrors.GetCategory(err))
}

func TestDateDefaultsToToday(t *testing.T) {
	_, r := setup(t)
	out, err := r.Render("bylaw", Data{Title: "x", Author: "a"})
	require.NoError(t, err)
	assert.Contains(t, out, time.Now().UTC().Format("2006-01-02"))
}

func TestWatchInvalidatesCache(t *testing.T) {
	civicDir, r := setup(t)
	path := filepath.Join(civicDir, "templates", "bylaw.md")
	require.NoError(t, os.WriteFile(path, []byte("v1 {{.Title}}"), 0o640))
	require.NoError(t, r.Watch())
	defer r.Close()

	out, err := r.Render("bylaw", Data{Title: "x"})
	require.NoError(t, err)
	assert.Contains(t, out, "v1")

	require.NoError(t, os.WriteFile(path, []byte("v2 {{.Title}}"), 0o640))

	assert.Eventually(t, func() bool {
		out, err := r.Render("bylaw", Data{Title: "x"})
		return err == nil && out == "v2 x"
	}, 2*time.Second, 20*time.Millisecond)
}
