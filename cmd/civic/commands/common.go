// Package commands defines the civic CLI: kong command structs and the
// shared plumbing that opens the service container and resolves the
// acting principal.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/civicstack/civic/internal/auth"
	"github.com/civicstack/civic/internal/container"
	"github.com/civicstack/civic/internal/engine"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/gitx"
	"github.com/civicstack/civic/internal/record"
)

// CLI is the root command tree and the global flags every command
// accepts.
type CLI struct {
	Dir         string           `short:"C" help:"Data directory (defaults to walking up from the current directory)" default:"."`
	JSON        bool             `help:"Machine-readable output"`
	Silent      bool             `help:"Suppress human output"`
	Verbose     bool             `short:"v" help:"Enable debug logging"`
	DryRun      bool             `help:"Validate and report without touching any store"`
	DryRunHooks string           `help:"Comma-separated hook event names to suppress" placeholder:"EVENTS"`
	Token       string           `help:"Session token" env:"CIVIC_TOKEN"`
	As          string           `help:"Act as this username (local mode)" env:"CIVIC_USER"`
	Version     kong.VersionFlag `name:"version" help:"Show version and exit"`

	Init     InitCmd     `cmd:"" help:"Initialize a civic data directory"`
	Create   CreateCmd   `cmd:"" help:"Create a record"`
	Edit     EditCmd     `cmd:"" help:"Edit a record's title, content, or metadata"`
	Status   StatusCmd   `cmd:"" help:"Change a record's workflow status"`
	Archive  ArchiveCmd  `cmd:"" help:"Archive a record"`
	Commit   CommitCmd   `cmd:"" help:"Commit pending manual edits in the records tree"`
	List     ListCmd     `cmd:"" help:"List records"`
	View     ViewCmd     `cmd:"" help:"Show one record"`
	Search   SearchCmd   `cmd:"" help:"Search records by title and content"`
	Validate ValidateCmd `cmd:"" help:"Validate record frontmatter and links"`
	Index    IndexCmd    `cmd:"" help:"Regenerate index.yml and optionally reconcile the database"`
	Diff     DiffCmd     `cmd:"" help:"Diff a record between two revisions"`
	Export   ExportCmd   `cmd:"" help:"Export records as a tar.gz archive"`
	Import   ImportCmd   `cmd:"" help:"Import a previously exported archive"`
	Hook     HookCmd     `cmd:"" help:"Inspect and toggle hook bindings"`
	Daemon   DaemonCmd   `cmd:"" help:"Run the maintenance daemon"`

	AuthLogin           AuthLoginCmd     `cmd:"" name:"auth:login" help:"Authenticate and print a session token"`
	UsersCreate         UsersCreateCmd   `cmd:"" name:"users:create" help:"Create a user"`
	UsersList           UsersListCmd     `cmd:"" name:"users:list" help:"List users"`
	UsersUpdate         UsersUpdateCmd   `cmd:"" name:"users:update" help:"Change a user's role"`
	UsersDelete         UsersDeleteCmd   `cmd:"" name:"users:delete" help:"Delete a user"`
	UsersSetPassword    UsersSetPwCmd    `cmd:"" name:"users:set-password" help:"Set a user's password (admin)"`
	UsersChangePassword UsersChangePwCmd `cmd:"" name:"users:change-password" help:"Change your own password"`
}

// AfterApply configures logging before any command runs.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	if c.Silent && !c.Verbose {
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// Global is shared command state: the lazily opened container and the
// output adapter. Bound into every Run method by kong.
type Global struct {
	CLI *CLI
	Log *slog.Logger

	c *container.Container
}

// NewGlobal builds the shared state for one invocation.
func NewGlobal(cli *CLI) *Global {
	return &Global{CLI: cli, Log: slog.Default()}
}

// Container opens the service graph on first use. Commands that never
// touch the data directory (init, daemon) do not pay for it.
func (g *Global) Container() (*container.Container, error) {
	if g.c != nil {
		return g.c, nil
	}
	c, err := container.Open(g.CLI.Dir, g.Log)
	if err != nil {
		return nil, err
	}
	g.c = c
	return c, nil
}

// Close releases the container if one was opened.
func (g *Global) Close() error {
	if g.c == nil {
		return nil
	}
	return g.c.Close()
}

// Principal resolves the acting identity: session token first, then the
// --as username, then anonymous.
func (g *Global) Principal(ctx context.Context) (auth.Principal, error) {
	c, err := g.Container()
	if err != nil {
		return auth.Principal{}, err
	}
	if g.CLI.Token != "" {
		return c.Sessions.Verify(ctx, g.CLI.Token)
	}
	return c.Resolver.Resolve(ctx, g.CLI.As)
}

// Ops returns the per-operation options from the global flags.
func (g *Global) Ops() engine.OpContext {
	opts := engine.OpContext{DryRun: g.CLI.DryRun}
	for _, e := range strings.Split(g.CLI.DryRunHooks, ",") {
		if e = strings.TrimSpace(e); e != "" {
			opts.DryRunHooks = append(opts.DryRunHooks, e)
		}
	}
	return opts
}

// Print renders v as JSON under --json, or calls human for terminal
// output. --silent suppresses the human form only; JSON is explicit
// machine output and always prints.
func (g *Global) Print(v any, human func()) error {
	if g.CLI.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	if !g.CLI.Silent && human != nil {
		human()
	}
	return nil
}

func (g *Global) printf(format string, args ...any) {
	if !g.CLI.Silent && !g.CLI.JSON {
		fmt.Printf(format, args...)
	}
}

// resolveRecord accepts either a record id or a type/slug reference.
func resolveRecord(ctx context.Context, g *Global, p auth.Principal, ref string) (*record.Record, error) {
	c, err := g.Container()
	if err != nil {
		return nil, err
	}
	if recordType, slug, ok := strings.Cut(ref, "/"); ok {
		return c.Engine.Get(ctx, p, recordType, strings.TrimSuffix(slug, ".md"))
	}
	return c.Engine.GetByID(ctx, p, ref)
}

// requireRef validates the shared id-or-path argument shape early so
// the error is a usage error, not a lookup miss.
func requireRef(ref string) error {
	if ref == "" {
		return ferrors.Validation("record reference is required").Build()
	}
	return nil
}

// identityFor maps a principal to a git author, matching the engine's
// commit identity for records it writes itself.
func identityFor(p auth.Principal) gitx.Identity {
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

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, ferrors.Validation("invalid timestamp, expected RFC3339").
			WithContext("value", s).Build()
	}
	return t, nil
}
