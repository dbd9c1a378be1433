package db

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// ActivityEntry mirrors one activity-log line for querying. The JSONL
// file remains the source of truth; this table exists so hook logs and
// audits are filterable without scanning the file.
type ActivityEntry struct {
	ID         int64
	Timestamp  time.Time
	Source     string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Result     string
	Metadata   map[string]any
}

// MirrorActivity inserts one entry into the activity mirror.
func (d *DB) MirrorActivity(ctx context.Context, e *ActivityEntry) error {
	meta := "{}"
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return ferrors.Wrap(err, ferrors.CategoryDatabase, "marshal activity metadata").Build()
		}
		meta = string(raw)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO activity (timestamp, source, actor, action, target_type, target_id, result, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Source, e.Actor, e.Action,
		e.TargetType, e.TargetID, e.Result, meta)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "mirror activity").Build()
	}
	return nil
}

// ActivityFilter narrows QueryActivity.
type ActivityFilter struct {
	Action     string // prefix match when ending in ':'
	TargetType string
	TargetID   string
	Actor      string
	Limit      int
}

// QueryActivity returns matching entries, newest first.
func (d *DB) QueryActivity(ctx context.Context, f ActivityFilter) ([]*ActivityEntry, error) {
	where := []string{"1=1"}
	var args []any
	if f.Action != "" {
		if strings.HasSuffix(f.Action, ":") {
			where = append(where, "action LIKE ?")
			args = append(args, f.Action+"%")
		} else {
			where = append(where, "action = ?")
			args = append(args, f.Action)
		}
	}
	if f.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}

	query := `SELECT id, timestamp, source, actor, action, target_type, target_id, result, metadata
		FROM activity WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "query activity").Build()
	}
	defer rows.Close()

	var out []*ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var ts, meta string
		if err := rows.Scan(&e.ID, &ts, &e.Source, &e.Actor, &e.Action,
			&e.TargetType, &e.TargetID, &e.Result, &meta); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan activity").Build()
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
