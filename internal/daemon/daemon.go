// Package daemon runs the long-lived maintenance loop: scheduled index
// regeneration, expired-lock sweeps, activity log rotation checks, a
// config watcher that rebuilds the service graph on change, and the
// optional metrics endpoint.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/civicstack/civic/internal/container"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/logfields"
)

// Options tunes the schedules. Zero values take the defaults.
type Options struct {
	IndexInterval    time.Duration
	SweepInterval    time.Duration
	RotationInterval time.Duration
}

const (
	defaultIndexInterval    = 5 * time.Minute
	defaultSweepInterval    = time.Minute
	defaultRotationInterval = 10 * time.Minute

	reloadDebounce = 2 * time.Second
)

func (o *Options) applyDefaults() {
	if o.IndexInterval <= 0 {
		o.IndexInterval = defaultIndexInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = defaultRotationInterval
	}
}

// Daemon owns a container and keeps it healthy. The container is
// swapped wholesale on config change, so every job sees a consistent
// graph.
type Daemon struct {
	dir  string
	log  *slog.Logger
	opts Options

	mu sync.RWMutex
	c  *container.Container

	sched   gocron.Scheduler
	watcher *configWatcher
	httpSrv *http.Server
}

// New wraps an already-built container. dir is the directory the
// manifest was discovered from; reloads resolve from it again.
func New(dir string, c *container.Container, opts Options) (*Daemon, error) {
	opts.applyDefaults()
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryOperational, "create scheduler").Build()
	}
	return &Daemon{
		dir: dir, log: c.Log, opts: opts,
		c: c, sched: sched,
	}, nil
}

func (d *Daemon) container() *container.Container {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.c
}

// Run starts the schedules, the config watcher, and the metrics
// listener, then blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.reconcile(ctx)

	if err := d.schedule(); err != nil {
		return err
	}
	d.sched.Start()

	c := d.container()
	watcher, err := newConfigWatcher(c.Config.Manifest.CivicPath(), d, reloadDebounce)
	if err != nil {
		return err
	}
	d.watcher = watcher
	watcher.start(ctx)

	if c.Config.Manifest.Features.Metrics {
		d.serveMetrics(c)
	}

	d.log.Info("daemon started",
		logfields.Path(c.Config.Manifest.Root()),
		slog.Duration("index_interval", d.opts.IndexInterval))

	<-ctx.Done()
	return d.shutdown()
}

func (d *Daemon) schedule() error {
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"index-regenerate", d.opts.IndexInterval, d.runIndexJob},
		{"lock-sweep", d.opts.SweepInterval, d.runSweepJob},
		{"activity-rotation", d.opts.RotationInterval, d.runRotationJob},
	}
	for _, j := range jobs {
		_, err := d.sched.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
		)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryOperational, "schedule job").
				WithContext("job", j.name).Build()
		}
	}
	return nil
}

// reconcile reports drift found at startup. Untracked files are left
// alone; the log line is the operator's cue to run index --sync-db.
func (d *Daemon) reconcile(ctx context.Context) {
	c := d.container()
	untracked, err := c.Engine.Reconcile(ctx)
	if err != nil {
		d.log.Warn("startup reconciliation failed", logfields.Error(err))
		return
	}
	if len(untracked) > 0 {
		d.log.Warn("untracked record files found",
			logfields.Count(len(untracked)))
	}
}

func (d *Daemon) runIndexJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := d.container()
	changed, err := c.Index.Write(ctx)
	if err != nil {
		d.log.Error("scheduled index regeneration failed", logfields.Error(err))
		return
	}
	if changed {
		d.log.Info("index regenerated on schedule")
	}
}

func (d *Daemon) runSweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := d.container()
	n, err := c.Sagas.SweepExpired(ctx)
	if err != nil {
		d.log.Error("lock sweep failed", logfields.Error(err))
		return
	}
	if n > 0 {
		c.Metrics.LocksSwept(n)
		d.log.Info("expired locks reclaimed", logfields.Count(n))
	}
}

func (d *Daemon) runRotationJob() {
	c := d.container()
	if err := c.Activity.CheckRotation(); err != nil {
		d.log.Error("activity rotation check failed", logfields.Error(err))
	}
}

// reload rebuilds the container from disk and swaps it in. The old
// graph drains before closing, so in-flight async hooks finish against
// the stores they started with.
func (d *Daemon) reload(ctx context.Context) error {
	next, err := container.Open(d.dir, d.log)
	if err != nil {
		return err
	}

	d.mu.Lock()
	prev := d.c
	d.c = next
	d.mu.Unlock()

	if err := prev.Close(); err != nil {
		d.log.Warn("previous graph did not close cleanly", logfields.Error(err))
	}
	d.log.Info("configuration reloaded")
	d.reconcile(ctx)
	return nil
}

func (d *Daemon) serveMetrics(c *container.Container) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Metrics.Handler())
	d.httpSrv = &http.Server{
		Addr:              c.Config.Manifest.Features.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error("metrics listener failed", logfields.Error(err))
		}
	}()
	d.log.Info("metrics listening", slog.String("addr", d.httpSrv.Addr))
}

func (d *Daemon) shutdown() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if d.watcher != nil {
		d.watcher.stopWatching()
	}
	keep(d.sched.Shutdown())
	if d.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		keep(d.httpSrv.Shutdown(ctx))
		cancel()
	}
	keep(d.container().Close())
	d.log.Info("daemon stopped")
	return first
}
