package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/civic/internal/db"
	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/retry"
)

func testExecutor(t *testing.T) (*Executor, *db.DB) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := NewExecutor(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.retry = retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 3}
	var seq int
	e.newID = func() string { seq++; return fmt.Sprintf("saga-%d", seq) }
	return e, store
}

func noop(string) Step {
	return Step{Name: "noop", Do: func(context.Context) (string, error) { return "", nil }}
}

func TestRunCompletesAndReleasesLocks(t *testing.T) {
	e, store := testExecutor(t)
	ctx := context.Background()

	var order []string
	out, err := e.Run(ctx, Definition{
		Name:      "record-create",
		Resources: []string{"record:bylaw/noise"},
		Steps: []Step{
			{Name: "write", Do: func(context.Context) (string, error) {
				order = append(order, "write")
				return "payload-1", nil
			}},
			{Name: "index", Do: func(context.Context) (string, error) {
				order = append(order, "index")
				return "", nil
			}},
		},
		Result: func() string { return `{"id":"id-1"}` },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"write", "index"}, order)
	assert.Equal(t, `{"id":"id-1"}`, out.Result)
	assert.False(t, out.Replayed)

	row, err := store.GetSaga(ctx, out.SagaID)
	require.NoError(t, err)
	assert.Equal(t, db.SagaCompleted, row.State)

	steps, err := store.Steps(ctx, out.SagaID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, db.StepDone, steps[0].Status)
	assert.Equal(t, "payload-1", steps[0].Payload)

	// The lock is free again.
	require.NoError(t, store.AcquireLock(ctx, "record:bylaw/noise", "other", time.Minute, time.Now()))
}

func TestFailureCompensatesInReverse(t *testing.T) {
	e, store := testExecutor(t)
	ctx := context.Background()

	var undone []string
	_, err := e.Run(ctx, Definition{
		Name:      "record-update",
		Resources: []string{"record:bylaw/noise"},
		Steps: []Step{
			{
				Name:       "write-file",
				Do:         func(context.Context) (string, error) { return "", nil },
				Compensate: func(context.Context) error { undone = append(undone, "write-file"); return nil },
			},
			{
				Name:       "db-upsert",
				Do:         func(context.Context) (string, error) { return "", nil },
				Compensate: func(context.Context) error { undone = append(undone, "db-upsert"); return nil },
			},
			{
				Name: "commit",
				Do: func(context.Context) (string, error) {
					return "", errors.New("git unavailable")
				},
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryOperational, ferrors.GetCategory(err))
	assert.Equal(t, []string{"db-upsert", "write-file"}, undone)

	row, err := store.GetSaga(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, db.SagaCompensated, row.State)
	assert.Contains(t, row.Error, "git unavailable")

	// Rolled-back saga releases its locks.
	require.NoError(t, store.AcquireLock(ctx, "record:bylaw/noise", "other", time.Minute, time.Now()))
}

func TestValidationFailureKeepsClassification(t *testing.T) {
	e, _ := testExecutor(t)

	_, err := e.Run(context.Background(), Definition{
		Name: "record-create",
		Steps: []Step{{
			Name: "check",
			Do: func(context.Context) (string, error) {
				return "", ferrors.Validation("bad title").Build()
			},
		}},
	})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryValidation, ferrors.GetCategory(err))
}

func TestCompensationFailureKeepsLockHeld(t *testing.T) {
	e, store := testExecutor(t)
	ctx := context.Background()

	_, err := e.Run(ctx, Definition{
		Name:      "record-update",
		Resources: []string{"record:bylaw/noise"},
		Steps: []Step{
			{
				Name:       "write-file",
				Do:         func(context.Context) (string, error) { return "", nil },
				Compensate: func(context.Context) error { return errors.New("restore failed") },
			},
			{
				Name: "commit",
				Do:   func(context.Context) (string, error) { return "", errors.New("boom") },
			},
		},
	})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategorySaga, ferrors.GetCategory(err))

	row, err := store.GetSaga(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, db.SagaFailed, row.State)

	// The lock is still held for inspection.
	err = store.AcquireLock(ctx, "record:bylaw/noise", "other", time.Minute, time.Now())
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))
}

func TestTransientStepIsRetried(t *testing.T) {
	e, _ := testExecutor(t)

	attempts := 0
	out, err := e.Run(context.Background(), Definition{
		Name: "record-create",
		Steps: []Step{{
			Name: "flaky",
			Do: func(context.Context) (string, error) {
				attempts++
				if attempts < 3 {
					return "", ferrors.Transient("db busy").Build()
				}
				return "", nil
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.NotEmpty(t, out.SagaID)
}

func TestIdempotentReplayReturnsStoredResult(t *testing.T) {
	e, _ := testExecutor(t)
	ctx := context.Background()

	runs := 0
	def := Definition{
		Name:           "record-create",
		IdempotencyKey: "client-key-1",
		Steps: []Step{{
			Name: "write",
			Do:   func(context.Context) (string, error) { runs++; return "", nil },
		}},
		Result: func() string { return `{"id":"id-1"}` },
	}

	first, err := e.Run(ctx, def)
	require.NoError(t, err)

	second, err := e.Run(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, first.SagaID, second.SagaID)
}

func TestReplayOfFailedKeyNeedsUserAction(t *testing.T) {
	e, _ := testExecutor(t)
	ctx := context.Background()

	def := Definition{
		Name:           "record-update",
		IdempotencyKey: "client-key-1",
		Steps: []Step{
			{
				Name:       "write",
				Do:         func(context.Context) (string, error) { return "", nil },
				Compensate: func(context.Context) error { return errors.New("restore failed") },
			},
			{Name: "boom", Do: func(context.Context) (string, error) { return "", errors.New("boom") }},
		},
	}
	_, err := e.Run(ctx, def)
	require.Error(t, err)

	_, err = e.Run(ctx, def)
	require.Error(t, err)
	assert.Equal(t, ferrors.CategorySaga, ferrors.GetCategory(err))
	assert.Equal(t, ferrors.RetryUserAction, ferrors.GetRetryStrategy(err))
}

func TestLockConflictBetweenSagas(t *testing.T) {
	e, store := testExecutor(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AcquireLock(ctx, "record:bylaw/noise", "other-saga", time.Minute, now))

	_, err := e.Run(ctx, Definition{
		Name:      "record-update",
		Resources: []string{"record:bylaw/noise"},
		Steps:     []Step{noop("x")},
	})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))
}

func TestSweepExpiredReclaims(t *testing.T) {
	e, store := testExecutor(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.AcquireLock(ctx, "record:bylaw/stale", "dead-saga", time.Minute, past))

	n, err := e.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.AcquireLock(ctx, "record:bylaw/stale", "new-saga", time.Minute, time.Now()))
}
