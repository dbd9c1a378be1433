// Package container assembles the engine and its collaborators from a
// resolved configuration. Construction is leaves-first: storage and
// gateways before services, services before the engine. Close releases
// everything in reverse.
package container

import (
	"log/slog"
	"os"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/auth"
	"github.com/civicstack/civic/internal/cache"
	"github.com/civicstack/civic/internal/config"
	"github.com/civicstack/civic/internal/db"
	"github.com/civicstack/civic/internal/engine"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/gitx"
	"github.com/civicstack/civic/internal/hooks"
	"github.com/civicstack/civic/internal/index"
	"github.com/civicstack/civic/internal/logfields"
	"github.com/civicstack/civic/internal/metrics"
	"github.com/civicstack/civic/internal/saga"
	"github.com/civicstack/civic/internal/store"
	"github.com/civicstack/civic/internal/templates"
	"github.com/civicstack/civic/internal/workflow"
)

// Container holds every constructed subsystem. Fields are exported so
// the CLI and daemon can reach past the engine when they need to.
type Container struct {
	Config   *config.Resolved
	Log      *slog.Logger
	DB       *db.DB
	Store    *store.Store
	Git      *gitx.Gateway
	Activity *activity.Log
	Bus      *hooks.Bus
	Renderer *templates.Renderer
	Records  cache.Cache
	Metrics  *metrics.Recorder
	Sagas    *saga.Executor
	Checker  *workflow.Checker
	Resolver *auth.Resolver
	Sessions *auth.Sessions
	Users    *auth.Users
	Engine   *engine.Engine
	Index    *index.Service

	forwarder *hooks.Forwarder
}

// Open discovers the manifest from dir and builds the full graph.
func Open(dir string, log *slog.Logger) (*Container, error) {
	cfg, err := config.Resolve(dir)
	if err != nil {
		return nil, err
	}
	return Build(cfg, log)
}

// Build assembles the graph over an already-resolved configuration.
func Build(cfg *config.Resolved, log *slog.Logger) (*Container, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Container{Config: cfg, Log: log}

	if err := c.build(); err != nil {
		// Partial graphs still hold file handles and connections.
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) build() error {
	cfg := c.Config
	manifest := cfg.Manifest

	if adapter := manifest.Database.Adapter; adapter != "sqlite" {
		return ferrors.Config("unsupported database adapter").
			WithContext("adapter", adapter).Build()
	}
	if err := os.MkdirAll(manifest.SystemDataPath(), 0o750); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create system data directory").Build()
	}

	var err error
	if c.DB, err = db.Open(manifest.DatabasePath()); err != nil {
		return err
	}

	c.Store = store.New(manifest.RecordsPath(), cfg.Storage)
	c.Git = gitx.Open(manifest.Root())
	c.Activity = activity.New(manifest.ActivityLogPath(), 0, c.DB, c.Log)

	c.Bus = hooks.NewBus(cfg.Hooks, c.DB, c.Log)
	if err := c.wireForwarder(); err != nil {
		return err
	}

	c.Renderer = templates.NewRenderer(manifest.CivicPath())
	if err := c.Renderer.Watch(); err != nil {
		// Template hot-reload is a convenience; a data dir without the
		// template tree still works, just without invalidation.
		c.Log.Warn("template watcher unavailable", logfields.Error(err))
	}

	if c.Records, err = cache.New(cache.StrategyMemory, cache.Options{}); err != nil {
		return err
	}
	if manifest.Features.Metrics {
		c.Metrics = metrics.New()
	}

	c.Sagas = saga.NewExecutor(c.DB, c.Log)
	c.Checker = workflow.NewChecker(cfg.Workflows)
	c.Resolver = auth.NewResolver(c.DB, cfg.Roles)
	c.Sessions = auth.NewSessions(c.DB)
	c.Users = auth.NewUsers(c.DB, c.Sessions, cfg.Workflows.RoleNames())

	c.Engine = engine.New(engine.Deps{
		Config:   cfg,
		Store:    c.Store,
		Git:      c.Git,
		DB:       c.DB,
		Checker:  c.Checker,
		Resolver: c.Resolver,
		Sagas:    c.Sagas,
		Bus:      c.Bus,
		Activity: c.Activity,
		Renderer: c.Renderer,
		Records:  c.Records,
		Metrics:  c.Metrics,
		Log:      c.Log,
	})

	c.Index = index.New(c.Store, c.DB, c.Activity, manifest, c.Log)
	c.Index.Attach(c.Bus)
	return nil
}

// wireForwarder attaches the NATS forwarder when configured. The
// hooks.yml nats block takes precedence; the manifest feature toggle is
// the shorthand for forwarding everything with defaults.
func (c *Container) wireForwarder() error {
	nats := c.Config.Hooks.NATS
	if nats == nil && c.Config.Manifest.Features.NATSURL != "" {
		nats = &config.NATSForwarding{URL: c.Config.Manifest.Features.NATSURL}
	}
	if nats == nil {
		return nil
	}

	fwd, err := hooks.NewForwarder(nats)
	if err != nil {
		return err
	}
	c.forwarder = fwd
	c.Bus.RegisterHandler("nats", fwd.Handler())
	c.Bus.Subscribe("nats", "*", hooks.ModeAsync, fwd.Handler())
	c.Log.Info("hook forwarding enabled", logfields.Hook("nats"))
	return nil
}

// Close tears the graph down in reverse construction order. The first
// error wins; later closers still run.
func (c *Container) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if c.Renderer != nil {
		keep(c.Renderer.Close())
	}
	if c.Bus != nil {
		c.Bus.Drain()
	}
	if c.forwarder != nil {
		keep(c.forwarder.Close())
	}
	if c.Records != nil {
		keep(c.Records.Close())
	}
	if c.DB != nil {
		keep(c.DB.Close())
	}
	return first
}
