package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/civicstack/civic/internal/daemon"
)

// DaemonCmd runs the maintenance loop until interrupted.
type DaemonCmd struct {
	IndexInterval    time.Duration `help:"Index regeneration interval" default:"5m"`
	SweepInterval    time.Duration `help:"Expired-lock sweep interval" default:"1m"`
	RotationInterval time.Duration `help:"Activity log rotation check interval" default:"10m"`
}

func (cmd *DaemonCmd) Run(g *Global) error {
	c, err := g.Container()
	if err != nil {
		return err
	}

	d, err := daemon.New(g.CLI.Dir, c, daemon.Options{
		IndexInterval:    cmd.IndexInterval,
		SweepInterval:    cmd.SweepInterval,
		RotationInterval: cmd.RotationInterval,
	})
	if err != nil {
		return err
	}
	// The daemon owns the container from here; Run closes it on exit.
	g.c = nil

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return d.Run(ctx)
}
