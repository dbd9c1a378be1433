package db

import (
	"context"
	"database/sql"
	"time"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// Saga lifecycle states.
const (
	SagaRunning     = "running"
	SagaCompleted   = "completed"
	SagaCompensated = "compensated"
	SagaFailed      = "failed"
)

// Step states.
const (
	StepPending     = "pending"
	StepDone        = "done"
	StepCompensated = "compensated"
)

// SagaRow is the durable state of one saga run.
type SagaRow struct {
	ID             string
	Name           string
	State          string
	IdempotencyKey string
	Result         string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SagaStep is one recorded step of a run, ordered by Seq.
type SagaStep struct {
	SagaID  string
	Seq     int
	Name    string
	Status  string
	Payload string
}

// BeginSaga records a new running saga.
func (d *DB) BeginSaga(ctx context.Context, s *SagaRow) error {
	now := time.Now().UTC().Format(time.RFC3339)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO sagas (id, name, state, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, SagaRunning, nullable(s.IdempotencyKey), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ferrors.Conflict("saga already recorded for idempotency key").
				WithContext("idempotency_key", s.IdempotencyKey).Build()
		}
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "begin saga").Build()
	}
	return nil
}

// RecordStep persists one step's state.
func (d *DB) RecordStep(ctx context.Context, step *SagaStep) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO saga_steps (saga_id, seq, name, status, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(saga_id, seq) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		step.SagaID, step.Seq, step.Name, step.Status, nullable(step.Payload))
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "record saga step").Build()
	}
	return nil
}

// FinishSaga sets the terminal state, result and error text.
func (d *DB) FinishSaga(ctx context.Context, id, state, result, errText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx, `
		UPDATE sagas SET state = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		state, nullable(result), nullable(errText),
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "finish saga").Build()
	}
	return nil
}

// FindSagaByKey returns the saga recorded for an idempotency key, if any.
func (d *DB) FindSagaByKey(ctx context.Context, key string) (*SagaRow, error) {
	row := d.reader().QueryRowContext(ctx, `
		SELECT id, name, state, idempotency_key, result, error, created_at, updated_at
		FROM sagas WHERE idempotency_key = ?`, key)
	s, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "find saga").Build()
	}
	return s, nil
}

// GetSaga loads a saga by id.
func (d *DB) GetSaga(ctx context.Context, id string) (*SagaRow, error) {
	row := d.reader().QueryRowContext(ctx, `
		SELECT id, name, state, idempotency_key, result, error, created_at, updated_at
		FROM sagas WHERE id = ?`, id)
	s, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, ferrors.NotFound("saga not found").WithContext("id", id).Build()
	}
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "get saga").Build()
	}
	return s, nil
}

// SagasInState lists sagas in the given state, newest first. Failed
// sagas hold their resource locks; operators drain them from here.
func (d *DB) SagasInState(ctx context.Context, state string) ([]*SagaRow, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT id, name, state, idempotency_key, result, error, created_at, updated_at
		FROM sagas WHERE state = ? ORDER BY updated_at DESC`, state)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "list sagas").Build()
	}
	defer rows.Close()

	var out []*SagaRow
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan saga").Build()
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "list sagas").Build()
	}
	return out, nil
}

// Steps returns the recorded steps of a saga, in execution order.
func (d *DB) Steps(ctx context.Context, sagaID string) ([]SagaStep, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT saga_id, seq, name, status, payload
		FROM saga_steps WHERE saga_id = ? ORDER BY seq`, sagaID)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "query saga steps").Build()
	}
	defer rows.Close()

	var out []SagaStep
	for rows.Next() {
		var s SagaStep
		var payload sql.NullString
		if err := rows.Scan(&s.SagaID, &s.Seq, &s.Name, &s.Status, &payload); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan saga step").Build()
		}
		s.Payload = payload.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSaga(row interface{ Scan(dest ...any) error }) (*SagaRow, error) {
	var s SagaRow
	var key, result, errText sql.NullString
	var created, updated string
	if err := row.Scan(&s.ID, &s.Name, &s.State, &key, &result, &errText,
		&created, &updated); err != nil {
		return nil, err
	}
	s.IdempotencyKey = key.String
	s.Result = result.String
	s.Error = errText.String
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &s, nil
}

// Lock is a TTL-bounded exclusive claim on a resource id.
type Lock struct {
	ResourceID string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AcquireLock claims resource for holder until expiry. An unexpired
// lock held by someone else is a conflict; an expired one is reclaimed.
// The claim is one conditional upsert, so two processes sharing the
// database file cannot both win: RFC 3339 UTC strings compare in time
// order, and the DO UPDATE fires only for the current holder or an
// expired lock.
func (d *DB) AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	acquired := now.UTC().Format(time.RFC3339)
	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO resource_locks (resource_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			holder = excluded.holder, acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE resource_locks.holder = excluded.holder
		   OR resource_locks.expires_at <= excluded.acquired_at`,
		resource, holder, acquired, now.Add(ttl).UTC().Format(time.RFC3339))
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "acquire lock").Build()
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "acquire lock").Build()
	}
	if n == 0 {
		var curHolder string
		_ = d.sql.QueryRowContext(ctx,
			`SELECT holder FROM resource_locks WHERE resource_id = ?`, resource).Scan(&curHolder)
		return ferrors.Conflict("resource is locked").
			WithContext("resource", resource).
			WithContext("holder", curHolder).Build()
	}
	return nil
}

// ReleaseLock frees a resource if holder still owns it.
func (d *DB) ReleaseLock(ctx context.Context, resource, holder string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sql.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE resource_id = ? AND holder = ?`, resource, holder)
	if err != nil {
		return ferrors.Wrap(err, ferrors.CategoryDatabase, "release lock").Build()
	}
	return nil
}

// SweepLocks deletes locks past expiry and returns the freed resources.
func (d *DB) SweepLocks(ctx context.Context, now time.Time) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.UTC().Format(time.RFC3339)
	rows, err := d.sql.QueryContext(ctx,
		`SELECT resource_id FROM resource_locks WHERE expires_at < ?`, cutoff)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "query expired locks").Build()
	}
	var expired []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			rows.Close()
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "scan expired lock").Build()
		}
		expired = append(expired, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "iterate expired locks").Build()
	}

	if len(expired) > 0 {
		if _, err := d.sql.ExecContext(ctx,
			`DELETE FROM resource_locks WHERE expires_at < ?`, cutoff); err != nil {
			return nil, ferrors.Wrap(err, ferrors.CategoryDatabase, "sweep locks").Build()
		}
	}
	return expired, nil
}
