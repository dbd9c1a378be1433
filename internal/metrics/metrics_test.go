package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderExposesCounters(t *testing.T) {
	r := New()
	r.Operation("record:create", "ok", 25*time.Millisecond)
	r.Operation("record:create", "error", 5*time.Millisecond)
	r.Saga("record-create", "completed")
	r.HookFailure("record:created")
	r.CacheLookup("view", true)
	r.CacheLookup("view", false)
	r.LocksSwept(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `civic_operations_total{operation="record:create",result="ok"} 1`)
	assert.Contains(t, body, `civic_saga_outcomes_total{saga="record-create",state="completed"} 1`)
	assert.Contains(t, body, `civic_hook_failures_total{event="record:created"} 1`)
	assert.Contains(t, body, `civic_cache_requests_total{cache="view",outcome="hit"} 1`)
	assert.Contains(t, body, `civic_locks_swept_total 2`)
	require.Contains(t, body, "civic_operation_duration_seconds_count")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Operation("x", "ok", time.Millisecond)
	r.Saga("x", "completed")
	r.HookFailure("x")
	r.CacheLookup("x", true)
	r.LocksSwept(1)
}
