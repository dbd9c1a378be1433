// Package activity is the append-only JSONL audit trail. The file is
// the durable source of truth; entries are mirrored into the index
// database so they can be filtered without scanning the file. Callers
// append the entry for an operation before dispatching its hooks.
package activity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/logfields"
)

// Entry is one audit line.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Source     string         `json:"source"`
	Actor      string         `json:"actor,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Result     string         `json:"result,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DefaultMaxBytes triggers rotation when the log file grows past it.
const DefaultMaxBytes = 10 << 20

// Log appends entries to a JSONL file with size-based rotation.
type Log struct {
	path     string
	maxBytes int64
	mirror   *db.DB
	slog     *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New builds a log at path. mirror may be nil; maxBytes <= 0 uses the
// default.
func New(path string, maxBytes int64, mirror *db.DB, logger *slog.Logger) *Log {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Log{path: path, maxBytes: maxBytes, mirror: mirror, slog: logger, now: time.Now}
}

// Append durably writes one entry. The file append must succeed; the
// database mirror is best-effort and only logged on failure, since the
// next reconciliation can rebuild it from the file.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryInternal, "encode activity entry").Build()
	}
	line = append(line, '\n')

	l.mu.Lock()
	err = l.append(line)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if l.mirror != nil {
		m := &db.ActivityEntry{
			Timestamp: e.Timestamp, Source: e.Source, Actor: e.Actor,
			Action: e.Action, TargetType: e.TargetType, TargetID: e.TargetID,
			Result: e.Result, Metadata: e.Metadata,
		}
		if err := l.mirror.MirrorActivity(context.WithoutCancel(ctx), m); err != nil {
			l.slog.Warn("activity mirror write failed",
				slog.String("action", e.Action), logfields.Error(err))
		}
	}
	return nil
}

func (l *Log) append(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "create activity directory").Build()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "open activity log").
			WithContext("path", l.path).Build()
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "append activity entry").Build()
	}
	if err := f.Sync(); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "sync activity log").Build()
	}

	info, err := f.Stat()
	if err == nil && info.Size() >= l.maxBytes {
		return l.rotate()
	}
	return nil
}

// rotate renames the full log aside. Rename is atomic, so a reader
// either sees the old file or a fresh empty one, never a torn state.
func (l *Log) rotate() error {
	stamp := l.now().UTC().Format("20060102T150405")
	rotated := fmt.Sprintf("%s.%s", l.path, stamp)
	if err := os.Rename(l.path, rotated); err != nil {
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "rotate activity log").
			WithContext("path", rotated).Build()
	}
	l.slog.Info("activity log rotated", logfields.Path(rotated))
	return nil
}

// CheckRotation rotates if the file is over the limit, for the
// scheduled maintenance job.
func (l *Log) CheckRotation() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferrors.Wrap(err, ferrors.CategoryFilesystem, "stat activity log").Build()
	}
	if info.Size() >= l.maxBytes {
		return l.rotate()
	}
	return nil
}

// Tail returns up to n most recent entries from the current file,
// oldest first. Corrupt lines are skipped rather than failing the read.
func (l *Log) Tail(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "open activity log").Build()
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryFilesystem, "read activity log").Build()
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Query filters the database mirror, newest first.
func (l *Log) Query(ctx context.Context, f db.ActivityFilter) ([]*db.ActivityEntry, error) {
	if l.mirror == nil {
		return nil, ferrors.Operational("activity queries need the database mirror").Build()
	}
	return l.mirror.QueryActivity(ctx, f)
}
