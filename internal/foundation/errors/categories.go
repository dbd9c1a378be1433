package errors

import "maps"

// Category is the broad kind of an error, used for routing: CLI exit
// codes, HTTP statuses, retry decisions, and saga escalation.
type Category string

const (
	// CategoryValidation covers malformed input: bad frontmatter, invalid
	// slug, unknown type or status, invalid email or role name.
	CategoryValidation Category = "validation"
	// CategoryAuth covers denied actions and transitions, session
	// problems, and the external-provider password guard. Deliberately
	// carries no field-level detail.
	CategoryAuth     Category = "auth"
	CategoryConflict Category = "conflict"
	CategoryNotFound Category = "not_found"

	// CategoryTransient covers failures worth retrying inside a saga
	// step: I/O hiccups, dropped DB connections, git timeouts.
	CategoryTransient Category = "transient"
	// CategoryOperational is a step failure that triggered (or will
	// trigger) saga compensation.
	CategoryOperational Category = "operational"
	// CategoryFatal means the process must refuse writes: schema
	// mismatch, corrupted activity log, unrecoverable compensation.
	CategoryFatal Category = "fatal"

	CategoryGit        Category = "git"
	CategoryDatabase   Category = "database"
	CategoryFilesystem Category = "filesystem"
	CategoryHook       Category = "hook"
	CategorySaga       Category = "saga"
	CategoryConfig     Category = "config"
	CategoryInternal   Category = "internal"
)

// Severity indicates the impact level of an error.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// RetryStrategy indicates how an error should be handled on retry.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"
	RetryImmediate  RetryStrategy = "immediate"
	RetryBackoff    RetryStrategy = "backoff"
	RetryUserAction RetryStrategy = "user"
)

// Context carries structured key/value detail alongside an error.
type Context map[string]any

// Set adds or updates a context value.
func (c Context) Set(key string, value any) Context {
	if c == nil {
		c = make(Context)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

// GetString retrieves a string context value.
func (c Context) GetString(key string) (string, bool) {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// Merge combines two contexts, with other taking precedence.
func (c Context) Merge(other Context) Context {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	out := make(Context)
	maps.Copy(out, c)
	maps.Copy(out, other)
	return out
}
