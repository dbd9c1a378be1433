package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRecordID   = "record_id"
	KeyRecordType = "record_type"
	KeySlug       = "slug"
	KeyStatus     = "status"
	KeyPath       = "path"
	KeyActor      = "actor"
	KeyRole       = "role"
	KeySagaID     = "saga_id"
	KeySagaStep   = "saga_step"
	KeyHook       = "hook"
	KeyCache      = "cache"
	KeyCommit     = "commit"
	KeyResource   = "resource"
	KeyPolicy     = "policy"
	KeyCount      = "count"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means
// callers can compose.
func RecordID(id string) slog.Attr   { return slog.String(KeyRecordID, id) }
func RecordType(t string) slog.Attr  { return slog.String(KeyRecordType, t) }
func Slug(s string) slog.Attr        { return slog.String(KeySlug, s) }
func Status(s string) slog.Attr      { return slog.String(KeyStatus, s) }
func Path(p string) slog.Attr        { return slog.String(KeyPath, p) }
func Actor(a string) slog.Attr       { return slog.String(KeyActor, a) }
func Role(r string) slog.Attr        { return slog.String(KeyRole, r) }
func SagaID(id string) slog.Attr     { return slog.String(KeySagaID, id) }
func SagaStep(name string) slog.Attr { return slog.String(KeySagaStep, name) }
func Hook(name string) slog.Attr     { return slog.String(KeyHook, name) }
func Cache(name string) slog.Attr    { return slog.String(KeyCache, name) }
func Commit(rev string) slog.Attr    { return slog.String(KeyCommit, rev) }
func Resource(id string) slog.Attr   { return slog.String(KeyResource, id) }
func Policy(p string) slog.Attr      { return slog.String(KeyPolicy, p) }
func Count(n int) slog.Attr          { return slog.Int(KeyCount, n) }
func Duration(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000.0)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
