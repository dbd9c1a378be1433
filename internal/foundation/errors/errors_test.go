package errors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderDefaults(t *testing.T) {
	err := Validation("bad slug").WithContext("slug", "x!").Build()
	assert.Equal(t, CategoryValidation, err.Category())
	assert.Equal(t, SeverityError, err.Severity())
	assert.False(t, err.CanRetry())

	v, ok := err.Context().GetString("slug")
	require.True(t, ok)
	assert.Equal(t, "x!", v)
}

func TestTransientIsRetryable(t *testing.T) {
	err := Transient("db connection dropped").Build()
	assert.True(t, err.CanRetry())
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("step failed: %w", err)))
}

func TestWrapPreservesChain(t *testing.T) {
	cause := Database("insert failed").Build()
	err := Wrap(cause, CategoryOperational, "create step (c)").Build()

	assert.Equal(t, CategoryOperational, GetCategory(err))
	inner, ok := AsClassified(err.Unwrap())
	require.True(t, ok)
	assert.Equal(t, CategoryDatabase, inner.Category())
}

func TestGetCategoryUnclassified(t *testing.T) {
	assert.Equal(t, CategoryInternal, GetCategory(fmt.Errorf("plain")))
}

func TestCLIAdapterExitCodes(t *testing.T) {
	a := NewCLIAdapter(false, true, &bytes.Buffer{})

	assert.Equal(t, ExitOK, a.ExitCodeFor(nil))
	assert.Equal(t, ExitUsageError, a.ExitCodeFor(Validation("bad").Build()))
	assert.Equal(t, ExitUsageError, a.ExitCodeFor(Config("bad manifest").Build()))
	assert.Equal(t, ExitFailure, a.ExitCodeFor(Auth("denied").Build()))
	assert.Equal(t, ExitFailure, a.ExitCodeFor(Operational("step failed").Build()))
}

func TestCLIAdapterJSONEnvelope(t *testing.T) {
	var buf bytes.Buffer
	a := NewCLIAdapter(true, false, &buf)

	code := a.Render(Conflict("slug taken").WithContext("slug", "noise").Build())
	assert.Equal(t, ExitFailure, code)

	var env jsonEnvelope
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, CategoryConflict, env.Error.Kind)
	assert.Equal(t, "slug taken", env.Error.Message)
}

func TestAuthHint(t *testing.T) {
	a := NewCLIAdapter(false, false, &bytes.Buffer{})
	assert.Contains(t, a.Hint(Auth("denied").Build()), "auth:login")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("x").Build(), http.StatusUnprocessableEntity},
		{Auth("x").Build(), http.StatusForbidden},
		{Conflict("x").Build(), http.StatusConflict},
		{NotFound("x").Build(), http.StatusNotFound},
		{Transient("x").Build(), http.StatusServiceUnavailable},
		{Operational("x").Build(), http.StatusInternalServerError},
		{Fatal("x").Build(), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusCodeFor(tc.err))
	}
	assert.NotZero(t, RetryAfterSeconds(Fatal("x").Build()))
}
