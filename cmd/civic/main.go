package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/civicstack/civic/cmd/civic/commands"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/logfields"
)

var version = "dev"

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("civic"),
		kong.Description("Git-native civic records: versioned markdown with indexed query, workflows, and hooks."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	g := commands.NewGlobal(&cli)
	err := ctx.Run(g)
	if cerr := g.Close(); cerr != nil {
		slog.Warn("shutdown incomplete", logfields.Error(cerr))
	}

	adapter := ferrors.NewCLIAdapter(cli.JSON, cli.Silent, os.Stderr)
	os.Exit(adapter.Render(err))
}
