package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/civicstack/civic/internal/activity"
	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/hooks"
	"github.com/civicstack/civic/internal/logfields"
	"github.com/civicstack/civic/internal/record"
	"github.com/civicstack/civic/internal/store"
)

// Conflict resolution policies for Sync.
const (
	PolicyFileWins     = "file-wins"
	PolicyDatabaseWins = "database-wins"
	PolicyTimestamp    = "timestamp"
	PolicyManual       = "manual"
)

// ValidPolicy reports whether name is one of the four accepted
// policies. Anything else is rejected, not passed through.
func ValidPolicy(name string) bool {
	switch name {
	case PolicyFileWins, PolicyDatabaseWins, PolicyTimestamp, PolicyManual:
		return true
	}
	return false
}

// SyncReport summarizes one reconciliation run.
type SyncReport struct {
	Policy    string   `json:"policy"`
	Checked   int      `json:"checked"`
	Added     int      `json:"added"`
	Removed   int      `json:"removed"`
	Resolved  int      `json:"resolved"`
	Conflicts []string `json:"conflicts,omitempty"` // manual policy: left unresolved
	Errors    []string `json:"errors,omitempty"`
}

// Sync reconciles the records tree with the database mirror under the
// given policy. Files missing a row are inserted; orphan rows are
// handled per policy; rows and files that disagree on indexed fields
// are the conflicts the policy decides. No git commits are created:
// rewritten files are left as uncommitted changes for review.
func (s *Service) Sync(ctx context.Context, policy string) (*SyncReport, error) {
	if !ValidPolicy(policy) {
		return nil, ferrors.Validation("unknown conflict resolution policy").
			WithContext("policy", policy).Build()
	}
	rep := &SyncReport{Policy: policy}

	rels, err := s.store.List(store.ListFilter{})
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, rel := range rels {
		rep.Checked++
		rec, err := s.store.Read(rel)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		seen[rec.ID] = struct{}{}

		row, err := s.mirror.GetRecordBySlug(ctx, rec.Type, rec.Slug)
		switch {
		case ferrors.GetCategory(err) == ferrors.CategoryNotFound:
			if err := s.upsert(ctx, rec, rel); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", rel, err))
				continue
			}
			rep.Added++
		case err != nil:
			return nil, err
		case rowAgrees(row, rec):
			// in sync
		default:
			if err := s.resolve(ctx, policy, rec, rel, row, rep); err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", rel, err))
			}
		}
	}

	if err := s.sweepOrphans(ctx, policy, seen, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// resolve applies the policy to one diverged pair.
func (s *Service) resolve(ctx context.Context, policy string, rec *record.Record, rel string, row *db.RecordRow, rep *SyncReport) error {
	winner := policy
	if policy == PolicyTimestamp {
		// Newer updated_at wins; on a tie the file does, since the tree
		// is the source of truth.
		if row.UpdatedAt.After(rec.UpdatedAt) {
			winner = PolicyDatabaseWins
		} else {
			winner = PolicyFileWins
		}
	}

	switch winner {
	case PolicyFileWins:
		if err := s.upsert(ctx, rec, rel); err != nil {
			return err
		}
	case PolicyDatabaseWins:
		restored := rec.Clone()
		restored.Title = row.Title
		restored.Status = row.Status
		restored.Author = row.Author
		restored.Authors = row.Authors
		restored.CreatedAt = row.CreatedAt
		restored.UpdatedAt = row.UpdatedAt
		restored.Metadata = row.Metadata
		if err := s.store.Write(rel, restored); err != nil {
			return err
		}
	case PolicyManual:
		rep.Conflicts = append(rep.Conflicts, rel)
		s.record(ctx, "sync.conflict_detected", rec, rel, policy)
		s.emit(ctx, "workflow:sync-conflict", rec, rel)
		return nil
	}

	rep.Resolved++
	s.record(ctx, "sync.conflict_resolved", rec, rel, winner)
	s.log.Info("sync conflict resolved",
		logfields.Path(rel), logfields.Policy(winner))
	return nil
}

// sweepOrphans handles mirror rows whose file is gone.
func (s *Service) sweepOrphans(ctx context.Context, policy string, seen map[string]struct{}, rep *SyncReport) error {
	page, err := s.mirror.ListRecords(ctx, db.ListFilter{})
	if err != nil {
		return err
	}
	for _, row := range page.Records {
		if _, ok := seen[row.ID]; ok {
			continue
		}
		if policy == PolicyManual {
			rep.Conflicts = append(rep.Conflicts, row.Path)
			continue
		}
		err := s.mirror.Tx(ctx, func(tx *sql.Tx) error {
			return db.DeleteRecord(ctx, tx, row.ID)
		})
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", row.Path, err))
			continue
		}
		rep.Removed++
	}
	return nil
}

func (s *Service) upsert(ctx context.Context, rec *record.Record, rel string) error {
	return s.mirror.Tx(ctx, func(tx *sql.Tx) error {
		return db.UpsertRecord(ctx, tx, db.RowFromRecord(rec, rel))
	})
}

// rowAgrees compares the fields the mirror indexes. Metadata is
// compared through JSON so YAML ints and JSON floats do not produce
// phantom conflicts.
func rowAgrees(row *db.RecordRow, rec *record.Record) bool {
	return row.ID == rec.ID &&
		row.Title == rec.Title &&
		row.Status == rec.Status &&
		row.Author == rec.Author &&
		row.UpdatedAt.Equal(rec.UpdatedAt) &&
		jsonEqual(row.Metadata, rec.Metadata)
}

func jsonEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var na, nb any
	if json.Unmarshal(ra, &na) != nil || json.Unmarshal(rb, &nb) != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func (s *Service) record(ctx context.Context, action string, rec *record.Record, rel, policy string) {
	err := s.act.Append(ctx, activity.Entry{
		Source: "workflow", Actor: "system", Action: action,
		TargetType: rec.Type, TargetID: rec.ID,
		Metadata: map[string]any{"file": rel, "policy": policy},
	})
	if err != nil {
		s.log.Warn("sync activity entry failed", logfields.Path(rel), logfields.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, name string, rec *record.Record, rel string) {
	if s.bus == nil {
		return
	}
	err := s.bus.Emit(ctx, hooks.Event{
		Name: name, Actor: "system",
		RecordID: rec.ID, RecordType: rec.Type, Slug: rec.Slug,
		Payload: map[string]any{"file": rel},
	})
	if err != nil {
		s.log.Warn("sync conflict event failed", logfields.Hook(name), logfields.Error(err))
	}
}
