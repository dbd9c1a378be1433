package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/civic/internal/config"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("civic"),
		kong.Vars{"version": "test"},
		kong.Exit(func(int) { t.Fatal("kong attempted to exit") }),
	)
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	require.NoError(t, err)

	g := NewGlobal(&cli)
	defer func() { require.NoError(t, g.Close()) }()
	return kctx.Run(g)
}

func initDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, runCLI(t, "init", dir))
	require.NoError(t, runCLI(t, "-C", dir, "--silent",
		"users:create", "clerk1", "--role", "clerk", "--name", "Clerk One", "--password", "hunter22"))
	return dir
}

func TestRecordLifecycleThroughCLI(t *testing.T) {
	dir := initDir(t)

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1",
		"create", "bylaw", "Noise Curfew"))

	_, err := os.Stat(filepath.Join(dir, "records", "bylaw", "noise-curfew.md"))
	require.NoError(t, err)

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1",
		"view", "bylaw/noise-curfew"))
	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1",
		"status", "bylaw/noise-curfew", "proposed"))
	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1", "list"))
	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1", "validate"))

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "index"))
	_, err = os.Stat(filepath.Join(dir, "records", "index.yml"))
	require.NoError(t, err)
}

func TestAnonymousCreateIsDenied(t *testing.T) {
	dir := initDir(t)

	err := runCLI(t, "-C", dir, "--silent", "create", "bylaw", "Sneaky Edit")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryAuth, ferrors.GetCategory(err))
}

func TestDryRunCreateLeavesNoFile(t *testing.T) {
	dir := initDir(t)

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1", "--dry-run",
		"create", "bylaw", "Phantom Rule"))
	_, err := os.Stat(filepath.Join(dir, "records", "bylaw", "phantom-rule.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestDryRunHooksStillCreatesRecord(t *testing.T) {
	dir := initDir(t)

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "--as", "clerk1",
		"--dry-run-hooks", "record:created,record:committed",
		"create", "bylaw", "Quiet Rule"))
	_, err := os.Stat(filepath.Join(dir, "records", "bylaw", "quiet-rule.md"))
	require.NoError(t, err)
}

func TestHookDisableRewritesConfig(t *testing.T) {
	dir := initDir(t)

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "hook", "disable", "record:created"))

	cfg, err := config.LoadHooks(filepath.Join(dir, config.CivicDir, config.HooksFile))
	require.NoError(t, err)
	assert.False(t, cfg.Enabled("record:created"))

	require.NoError(t, runCLI(t, "-C", dir, "--silent", "hook", "enable", "record:created"))
	cfg, err = config.LoadHooks(filepath.Join(dir, config.CivicDir, config.HooksFile))
	require.NoError(t, err)
	assert.True(t, cfg.Enabled("record:created"))
}

func TestExportImportRoundTripThroughCLI(t *testing.T) {
	src := initDir(t)
	require.NoError(t, runCLI(t, "-C", src, "--silent", "--as", "clerk1",
		"create", "bylaw", "Noise Curfew"))

	archive := filepath.Join(t.TempDir(), "records.tar.gz")
	require.NoError(t, runCLI(t, "-C", src, "--silent", "--as", "clerk1",
		"export", "-o", archive))

	dst := initDir(t)
	require.NoError(t, runCLI(t, "-C", dst, "--silent", "--as", "clerk1",
		"import", archive))
	_, err := os.Stat(filepath.Join(dst, "records", "bylaw", "noise-curfew.md"))
	require.NoError(t, err)
}

func TestValidateExitsWithUsageErrorOnProblems(t *testing.T) {
	dir := initDir(t)
	bad := filepath.Join(dir, "records", "bylaw")
	require.NoError(t, os.MkdirAll(bad, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "broken.md"),
		[]byte("---\ntitle: [\n---\nbody\n"), 0o640))

	err := runCLI(t, "-C", dir, "--silent", "validate")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))

	adapter := ferrors.NewCLIAdapter(false, true, os.Stderr)
	assert.Equal(t, ferrors.ExitUsageError, adapter.ExitCodeFor(err))
}

func TestUnknownSyncPolicyRejectedByParser(t *testing.T) {
	dir := initDir(t)
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"},
		kong.Exit(func(int) {}))
	require.NoError(t, err)
	_, err = parser.Parse([]string{"-C", dir, "index", "--sync-db", "--conflict-resolution", "newest-wins"})
	require.Error(t, err)
}
