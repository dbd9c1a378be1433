package commands

import (
	"context"
	"io"
	"os"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// ExportCmd writes a tar.gz of the records the principal may view.
type ExportCmd struct {
	Output string `short:"o" help:"Destination file (- for stdout)" default:"civic-export.tar.gz"`
}

func (cmd *ExportCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if cmd.Output != "-" {
		f, err := os.Create(cmd.Output)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create export file").
				WithContext("path", cmd.Output).Build()
		}
		defer f.Close()
		w = f
	}

	if err := c.Engine.Export(ctx, p, w); err != nil {
		return err
	}
	if cmd.Output != "-" {
		g.printf("Exported to %s\n", cmd.Output)
	}
	return g.Print(map[string]any{"success": true, "output": cmd.Output}, nil)
}

// ImportCmd replays an exported archive, one create saga per record.
type ImportCmd struct {
	Input          string `arg:"" help:"Archive file (- for stdin)"`
	IdempotencyKey string `help:"Replay-safe key: rerunning the same import creates nothing twice"`
}

func (cmd *ImportCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}
	p, err := g.Principal(ctx)
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if cmd.Input != "-" {
		f, err := os.Open(cmd.Input)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "open archive").
				WithContext("path", cmd.Input).Build()
		}
		defer f.Close()
		r = f
	}

	opts := g.Ops()
	opts.IdempotencyKey = cmd.IdempotencyKey
	rep, err := c.Engine.Import(ctx, p, r, opts)
	if err != nil {
		return err
	}
	g.printf("Imported: %d created, %d skipped, %d errors\n",
		rep.Created, rep.Skipped, len(rep.Errors))
	for _, e := range rep.Errors {
		g.printf("  %s\n", e)
	}
	return g.Print(rep, nil)
}
