package db

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
	"github.com/civicstack/civic/internal/record"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testRow(id, typ, slug string) *RecordRow {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &RecordRow{
		ID: id, Type: typ, Slug: slug, Title: "Record " + slug,
		Status: "draft", Author: "clerk1", Path: typ + "/" + slug + ".md",
		Excerpt: "body text", CreatedAt: now, UpdatedAt: now,
		Authors: []record.Author{{Username: "clerk1", Role: "clerk"}},
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := openTest(t)
	v, err := d.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	require.NoError(t, d.migrate())
}

func TestRecordUpsertAndGet(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	row := testRow("id-1", "bylaw", "noise-curfew")
	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, row)
	}))

	got, err := d.GetRecordBySlug(ctx, "bylaw", "noise-curfew")
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, "draft", got.Status)
	require.Len(t, got.Authors, 1)
	assert.Equal(t, "clerk1", got.Authors[0].Username)

	row.Status = "proposed"
	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, row)
	}))
	got, err = d.GetRecordByID(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "proposed", got.Status)
}

func TestRecordSlugConflict(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, testRow("id-1", "bylaw", "noise"))
	}))
	err := d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, testRow("id-2", "bylaw", "noise"))
	})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	// Same slug under a different type is fine.
	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, testRow("id-3", "policy", "noise"))
	}))
}

func TestGetMissingRecordIsNotFound(t *testing.T) {
	d := openTest(t)
	_, err := d.GetRecordBySlug(context.Background(), "bylaw", "nope")
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryNotFound, ferrors.GetCategory(err))
}

func TestSlugsWithPrefix(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	for i, slug := range []string{"noise", "noise-2", "noise-rules"} {
		require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
			return UpsertRecord(ctx, tx, testRow(fmt.Sprintf("id-%d", i), "bylaw", slug))
		}))
	}
	slugs, err := d.SlugsWithPrefix(ctx, "bylaw", "noise")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"noise", "noise-2", "noise-rules"}, slugs)
}

func TestListRecordsFilterAndPaging(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	statuses := []string{"draft", "proposed", "approved", "draft"}
	for i, status := range statuses {
		row := testRow(fmt.Sprintf("id-%d", i), "bylaw", fmt.Sprintf("rec-%d", i))
		row.Status = status
		if i == 3 {
			row.Metadata = map[string]any{"tags": []string{"parks"}}
		}
		require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
			return UpsertRecord(ctx, tx, row)
		}))
	}

	page, err := d.ListRecords(ctx, ListFilter{Type: "bylaw", Status: "draft"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = d.ListRecords(ctx, ListFilter{Tags: []string{"parks"}})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "rec-3", page.Records[0].Slug)

	page, err = d.ListRecords(ctx, ListFilter{Statuses: []string{"approved"}})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = d.ListRecords(ctx, ListFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Records, 2)
}

func TestSearchOverTitleAndExcerpt(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	row := testRow("id-1", "bylaw", "noise-curfew")
	row.Excerpt = "Quiet hours begin at 22:00."
	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, row)
	}))

	page, err := d.ListRecords(ctx, ListFilter{Query: "quiet hours"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	page, err = d.ListRecords(ctx, ListFilter{Query: "zoning"})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func TestArchiveHidesFromDefaultList(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return UpsertRecord(ctx, tx, testRow("id-1", "bylaw", "old"))
	}))
	require.NoError(t, d.Tx(ctx, func(tx *sql.Tx) error {
		return MarkArchived(ctx, tx, "id-1", true, "archive/bylaw/old.md")
	}))

	page, err := d.ListRecords(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	page, err = d.ListRecords(ctx, ListFilter{Archived: true})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "archive/bylaw/old.md", page.Records[0].Path)
}

func TestUserLifecycle(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	u, err := d.CreateUser(ctx, &User{Username: "clerk1", Role: "clerk", PasswordHash: "x"})
	require.NoError(t, err)
	assert.NotZero(t, u.ID)

	_, err = d.CreateUser(ctx, &User{Username: "clerk1", Role: "clerk"})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	require.NoError(t, d.SetUserRole(ctx, "clerk1", "council"))
	got, err := d.GetUser(ctx, "clerk1")
	require.NoError(t, err)
	assert.Equal(t, "council", got.Role)
	assert.Equal(t, ProviderPassword, got.AuthProvider)

	require.NoError(t, d.DeleteUser(ctx, "clerk1"))
	_, err = d.GetUser(ctx, "clerk1")
	assert.Equal(t, ferrors.CategoryNotFound, ferrors.GetCategory(err))
}

func TestSessionsRevokeAndPrune(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u, err := d.CreateUser(ctx, &User{Username: "clerk1", Role: "clerk"})
	require.NoError(t, err)

	require.NoError(t, d.CreateSession(ctx, &Session{
		TokenID: "tok-1", UserID: u.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, d.CreateSession(ctx, &Session{
		TokenID: "tok-old", UserID: u.ID, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	require.NoError(t, d.RevokeSessions(ctx, u.ID))
	s, err := d.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, s.Revoked)

	n, err := d.PruneSessions(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = d.GetSession(ctx, "tok-old")
	assert.Equal(t, ferrors.CategoryNotFound, ferrors.GetCategory(err))
}

func TestSagaRecordingAndIdempotency(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	require.NoError(t, d.BeginSaga(ctx, &SagaRow{ID: "s-1", Name: "record-create", IdempotencyKey: "k-1"}))

	err := d.BeginSaga(ctx, &SagaRow{ID: "s-2", Name: "record-create", IdempotencyKey: "k-1"})
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	require.NoError(t, d.RecordStep(ctx, &SagaStep{SagaID: "s-1", Seq: 0, Name: "write-file", Status: StepDone}))
	require.NoError(t, d.RecordStep(ctx, &SagaStep{SagaID: "s-1", Seq: 1, Name: "db-upsert", Status: StepPending}))
	require.NoError(t, d.FinishSaga(ctx, "s-1", SagaCompleted, `{"id":"id-1"}`, ""))

	found, err := d.FindSagaByKey(ctx, "k-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, SagaCompleted, found.State)
	assert.Equal(t, `{"id":"id-1"}`, found.Result)

	steps, err := d.Steps(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "write-file", steps[0].Name)

	missing, err := d.FindSagaByKey(ctx, "k-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLockAcquireConflictAndReclaim(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ttl := time.Minute

	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-1", ttl, now))

	// Re-entrant for the same holder.
	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-1", ttl, now))

	err := d.AcquireLock(ctx, "record:bylaw/noise", "saga-2", ttl, now.Add(30*time.Second))
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	// Past expiry the lock is reclaimable.
	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-2", ttl, now.Add(2*time.Minute)))

	require.NoError(t, d.ReleaseLock(ctx, "record:bylaw/noise", "saga-2"))
	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-3", ttl, now.Add(2*time.Minute)))
}

func TestLostLockAcquireLeavesHolderIntact(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-1", time.Minute, now))

	// The losing claim must not clobber the row: the holder keeps the
	// lock and can still renew it, and the loser keeps losing.
	err := d.AcquireLock(ctx, "record:bylaw/noise", "saga-2", time.Hour, now.Add(10*time.Second))
	require.Error(t, err)
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-1", time.Minute, now.Add(20*time.Second)))
	err = d.AcquireLock(ctx, "record:bylaw/noise", "saga-2", time.Hour, now.Add(30*time.Second))
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))

	// saga-2's expiry never made it into the row, so the lock still
	// expires on saga-1's schedule.
	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/noise", "saga-2", time.Minute, now.Add(2*time.Minute)))
}

func TestSweepLocks(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/a", "saga-1", time.Minute, now))
	require.NoError(t, d.AcquireLock(ctx, "record:bylaw/b", "saga-2", time.Hour, now))

	freed, err := d.SweepLocks(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"record:bylaw/a"}, freed)

	// The long-lived lock is still held.
	err = d.AcquireLock(ctx, "record:bylaw/b", "saga-3", time.Minute, now.Add(5*time.Minute))
	assert.Equal(t, ferrors.CategoryConflict, ferrors.GetCategory(err))
}

func TestActivityMirrorQuery(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []*ActivityEntry{
		{Timestamp: now, Source: "cli", Actor: "clerk1", Action: "record:create", TargetType: "bylaw", TargetID: "noise"},
		{Timestamp: now.Add(time.Second), Source: "cli", Actor: "clerk1", Action: "record:update", TargetType: "bylaw", TargetID: "noise"},
		{Timestamp: now.Add(2 * time.Second), Source: "hook", Actor: "system", Action: "hook:dispatch", TargetType: "bylaw", TargetID: "noise",
			Metadata: map[string]any{"event": "record:created"}},
	}
	for _, e := range entries {
		require.NoError(t, d.MirrorActivity(ctx, e))
	}

	got, err := d.QueryActivity(ctx, ActivityFilter{Action: "record:"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "record:update", got[0].Action) // newest first

	got, err = d.QueryActivity(ctx, ActivityFilter{Action: "hook:dispatch", Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "record:created", got[0].Metadata["event"])
}

func TestSettingsRoundTrip(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	_, ok, err := d.GetSetting(ctx, "jwt_secret")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.SetSetting(ctx, "jwt_secret", "abc"))
	require.NoError(t, d.SetSetting(ctx, "jwt_secret", "def"))
	v, ok, err := d.GetSetting(ctx, "jwt_secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "def", v)
}
