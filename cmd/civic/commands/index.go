package commands

import (
	"context"
)

// IndexCmd regenerates records/index.yml. With --sync-db it also
// reconciles the records tree against the database mirror under the
// chosen conflict resolution policy.
type IndexCmd struct {
	SyncDB             bool   `name:"sync-db" help:"Reconcile the database mirror with the records tree"`
	ConflictResolution string `default:"manual" enum:"file-wins,database-wins,timestamp,manual" help:"Policy for diverged records"`
}

func (cmd *IndexCmd) Run(g *Global) error {
	ctx := context.Background()
	c, err := g.Container()
	if err != nil {
		return err
	}

	var syncReport any
	if cmd.SyncDB {
		rep, err := c.Index.Sync(ctx, cmd.ConflictResolution)
		if err != nil {
			return err
		}
		syncReport = rep
		g.printf("Sync (%s): %d checked, %d added, %d removed, %d resolved, %d conflicts\n",
			rep.Policy, rep.Checked, rep.Added, rep.Removed, rep.Resolved, len(rep.Conflicts))
		for _, conflict := range rep.Conflicts {
			g.printf("  conflict: %s\n", conflict)
		}
	}

	changed, err := c.Index.Write(ctx)
	if err != nil {
		return err
	}
	if changed {
		g.printf("Wrote %s\n", c.Config.Manifest.IndexPath())
	} else {
		g.printf("Index unchanged\n")
	}
	return g.Print(map[string]any{
		"success": true, "changed": changed, "sync": syncReport,
	}, nil)
}
