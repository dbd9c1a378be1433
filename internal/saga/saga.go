// Package saga runs multi-step operations with compensation. Step state
// is persisted before and after each step, so a crash leaves enough in
// the database to tell what completed, and resource locks keep
// concurrent operations off the same record.
package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/logfields"
	"github.com/civicstack/civic/internal/retry"
)

// Step is one unit of a saga. Do returns an optional payload persisted
// with the step. Compensate undoes a completed Do; nil means the step
// needs no undo.
type Step struct {
	Name       string
	Do         func(ctx context.Context) (string, error)
	Compensate func(ctx context.Context) error
}

// Definition describes one saga run.
type Definition struct {
	Name           string
	IdempotencyKey string
	Resources      []string
	Timeout        time.Duration
	Steps          []Step
	// Result is stored on successful completion and returned verbatim
	// on idempotent replay. Optional.
	Result func() string
}

// Outcome reports how a run ended.
type Outcome struct {
	SagaID   string
	Result   string
	Replayed bool
}

// DefaultTimeout bounds a saga when the definition does not.
const DefaultTimeout = 30 * time.Second

// Executor runs sagas against the durable saga tables.
type Executor struct {
	store *db.DB
	log   *slog.Logger
	retry retry.Policy

	// Injectable for deterministic tests.
	now   func() time.Time
	newID func() string
}

// NewExecutor builds an executor with the default retry policy for
// transient step failures.
func NewExecutor(store *db.DB, log *slog.Logger) *Executor {
	return &Executor{
		store: store,
		log:   log,
		retry: retry.DefaultPolicy(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Run executes def. Locks are taken on every resource before the first
// step with a TTL of twice the timeout, so a crashed run's locks expire
// rather than wedging the record forever. On step failure, completed
// steps are compensated in reverse order and the original error is
// returned as operational. If compensation itself fails, the saga is
// marked failed and its locks are deliberately left held until an
// operator (or the lock sweep after TTL) intervenes.
func (e *Executor) Run(ctx context.Context, def Definition) (*Outcome, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if def.IdempotencyKey != "" {
		prior, err := e.store.FindSagaByKey(ctx, def.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return e.replay(prior)
		}
	}

	sagaID := e.newID()
	log := e.log.With(logfields.SagaID(sagaID), slog.String("saga", def.Name))

	held, err := e.acquireLocks(ctx, def.Resources, sagaID, timeout*2)
	if err != nil {
		e.releaseLocks(ctx, held, sagaID)
		return nil, err
	}

	if err := e.store.BeginSaga(ctx, &db.SagaRow{
		ID: sagaID, Name: def.Name, IdempotencyKey: def.IdempotencyKey,
	}); err != nil {
		e.releaseLocks(ctx, held, sagaID)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for i, step := range def.Steps {
		if err := e.store.RecordStep(ctx, &db.SagaStep{
			SagaID: sagaID, Seq: i, Name: step.Name, Status: db.StepPending,
		}); err != nil {
			return nil, e.compensate(ctx, log, def, sagaID, i, held, err)
		}

		var payload string
		err := e.retry.Do(ctx, func() error {
			var stepErr error
			payload, stepErr = step.Do(ctx)
			return stepErr
		}, ferrors.IsTransient)
		if err != nil {
			log.Warn("saga step failed", logfields.SagaStep(step.Name), logfields.Error(err))
			return nil, e.compensate(ctx, log, def, sagaID, i, held, err)
		}

		if err := e.store.RecordStep(ctx, &db.SagaStep{
			SagaID: sagaID, Seq: i, Name: step.Name, Status: db.StepDone, Payload: payload,
		}); err != nil {
			return nil, e.compensate(ctx, log, def, sagaID, i+1, held, err)
		}
	}

	var result string
	if def.Result != nil {
		result = def.Result()
	}
	if err := e.store.FinishSaga(ctx, sagaID, db.SagaCompleted, result, ""); err != nil {
		return nil, err
	}
	e.releaseLocks(ctx, def.Resources, sagaID)
	return &Outcome{SagaID: sagaID, Result: result}, nil
}

func (e *Executor) replay(prior *db.SagaRow) (*Outcome, error) {
	switch prior.State {
	case db.SagaCompleted:
		return &Outcome{SagaID: prior.ID, Result: prior.Result, Replayed: true}, nil
	case db.SagaRunning:
		return nil, ferrors.Conflict("operation already in progress").
			WithContext("saga_id", prior.ID).Build()
	default:
		return nil, ferrors.Saga("operation previously failed for this idempotency key").
			WithContext("saga_id", prior.ID).
			WithContext("state", prior.State).
			WithContext("error", prior.Error).UserAction().Build()
	}
}

// compensate undoes steps [0, failedAt) in reverse order. completed is
// the count of steps whose Do finished.
func (e *Executor) compensate(ctx context.Context, log *slog.Logger, def Definition, sagaID string, completed int, held []string, cause error) error {
	// Compensation must run even when the step failed on a dead context.
	ctx = context.WithoutCancel(ctx)

	for i := completed - 1; i >= 0; i-- {
		step := def.Steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			log.Error("saga compensation failed",
				logfields.SagaStep(step.Name), logfields.Error(err))
			_ = e.store.FinishSaga(ctx, sagaID, db.SagaFailed, "", err.Error())
			// Locks stay held: the resource state is unknown and must
			// not be touched until the sweep or an operator frees it.
			return ferrors.Saga("compensation failed, resource locked for inspection").
				WithCause(err).
				WithContext("saga_id", sagaID).
				WithContext("failed_step", step.Name).
				Fatal().UserAction().Build()
		}
		if err := e.store.RecordStep(ctx, &db.SagaStep{
			SagaID: sagaID, Seq: i, Name: step.Name, Status: db.StepCompensated,
		}); err != nil {
			log.Warn("compensated step not recorded", logfields.SagaStep(step.Name), logfields.Error(err))
		}
	}

	_ = e.store.FinishSaga(ctx, sagaID, db.SagaCompensated, "", cause.Error())
	e.releaseLocks(ctx, held, sagaID)

	switch ferrors.GetCategory(cause) {
	case ferrors.CategoryValidation, ferrors.CategoryAuth,
		ferrors.CategoryConflict, ferrors.CategoryNotFound:
		// The caller's mistake, not the engine's: keep the classification.
		return cause
	}
	return ferrors.Operational("operation rolled back").
		WithCause(cause).
		WithContext("saga_id", sagaID).Build()
}

func (e *Executor) acquireLocks(ctx context.Context, resources []string, holder string, ttl time.Duration) ([]string, error) {
	var held []string
	for _, r := range resources {
		if err := e.store.AcquireLock(ctx, r, holder, ttl, e.now()); err != nil {
			return held, err
		}
		held = append(held, r)
	}
	return held, nil
}

func (e *Executor) releaseLocks(ctx context.Context, resources []string, holder string) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range resources {
		if err := e.store.ReleaseLock(ctx, r, holder); err != nil {
			e.log.Warn("lock release failed", logfields.Resource(r), logfields.Error(err))
		}
	}
}

// SweepExpired frees locks past their TTL, for the scheduled sweep.
func (e *Executor) SweepExpired(ctx context.Context) (int, error) {
	freed, err := e.store.SweepLocks(ctx, e.now())
	if err != nil {
		return 0, err
	}
	for _, r := range freed {
		e.log.Info("expired lock reclaimed", logfields.Resource(r))
	}
	return len(freed), nil
}
