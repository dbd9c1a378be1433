package cache

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// watcher wraps a manual memory cache and clears it when anything under
// the watched directory changes. Events are debounced so one save of
// many files produces one invalidation.
type watcher struct {
	*memory
	fsw  *fsnotify.Watcher
	done chan struct{}
}

func newWatcher(opts Options) (*watcher, error) {
	if opts.WatchDir == "" {
		return nil, ferrors.Config("file_watcher cache needs a directory").Build()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "create watcher").Build()
	}

	w := &watcher{
		memory: newMemory(opts.MaxEntries, 0),
		fsw:    fsw,
		done:   make(chan struct{}),
	}
	if err := w.watchTree(opts.WatchDir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	go w.loop(debounce)
	return w, nil
}

// watchTree registers dir and every subdirectory. fsnotify is not
// recursive, so new directories are added as create events arrive.
func (w *watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return ferrors.Wrap(err, ferrors.CategoryFilesystem, "watch directory").
				WithContext("path", path).Build()
		}
		return nil
	})
}

func (w *watcher) loop(debounce time.Duration) {
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-w.done:
			timer.Stop()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsw.Add(event.Name)
				}
			}
			if pending {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer.Reset(debounce)
			pending = true
		case <-timer.C:
			if pending {
				w.Clear()
				pending = false
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors degrade to a stale-prone cache; clearing is
			// the safe response.
			w.Clear()
		}
	}
}

func (w *watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
