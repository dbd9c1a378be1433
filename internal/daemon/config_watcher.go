package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/logfields"
)

// configWatcher watches the .civic directory and triggers a debounced
// daemon reload when any config file changes. The directory, not the
// files, is watched: editors that write-and-rename would otherwise
// detach the watch.
type configWatcher struct {
	dir      string
	daemon   *Daemon
	fsw      *fsnotify.Watcher
	debounce time.Duration

	stop chan struct{}
	kick chan struct{}
}

func newConfigWatcher(civicDir string, d *Daemon, debounce time.Duration) (*configWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "create config watcher").Build()
	}
	if err := fsw.Add(civicDir); err != nil {
		_ = fsw.Close()
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "watch config directory").
			WithContext("path", civicDir).Build()
	}
	return &configWatcher{
		dir: civicDir, daemon: d, fsw: fsw, debounce: debounce,
		stop: make(chan struct{}),
		kick: make(chan struct{}, 1),
	}, nil
}

func (w *configWatcher) start(ctx context.Context) {
	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)
	w.daemon.log.Info("watching configuration", logfields.Path(w.dir))
}

func (w *configWatcher) stopWatching() {
	close(w.stop)
	_ = w.fsw.Close()
}

func (w *configWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			select {
			case w.kick <- struct{}{}:
			default: // reload already pending
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.daemon.log.Error("config watcher error", logfields.Error(err))
		}
	}
}

func (w *configWatcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.kick:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if err := w.daemon.reload(ctx); err != nil {
					// The old graph stays active; a broken edit never
					// takes the daemon down.
					w.daemon.log.Error("config reload failed", logfields.Error(err))
				}
			})
		}
	}
}

// relevant filters to yml writes: temp files and directory chatter do
// not trigger reloads.
func relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}
