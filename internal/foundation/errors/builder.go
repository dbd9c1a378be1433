package errors

// Builder provides a fluent API for creating ClassifiedError values so
// construction stays consistent across packages.
type Builder struct {
	category Category
	severity Severity
	retry    RetryStrategy
	message  string
	cause    error
	context  Context
}

// New starts a builder with the given category and message.
func New(category Category, message string) *Builder {
	return &Builder{
		category: category,
		severity: SeverityError,
		retry:    RetryNever,
		message:  message,
		context:  make(Context),
	}
}

// Wrap starts a builder that wraps an existing error.
func Wrap(err error, category Category, message string) *Builder {
	b := New(category, message)
	b.cause = err
	return b
}

func (b *Builder) WithSeverity(s Severity) *Builder {
	b.severity = s
	return b
}

func (b *Builder) WithRetry(s RetryStrategy) *Builder {
	b.retry = s
	return b
}

func (b *Builder) WithCause(err error) *Builder {
	b.cause = err
	return b
}

func (b *Builder) WithContext(key string, value any) *Builder {
	b.context = b.context.Set(key, value)
	return b
}

func (b *Builder) Fatal() *Builder   { return b.WithSeverity(SeverityFatal) }
func (b *Builder) Warning() *Builder { return b.WithSeverity(SeverityWarning) }

// Retryable marks the error for exponential backoff retry.
func (b *Builder) Retryable() *Builder { return b.WithRetry(RetryBackoff) }

// UserAction marks the error as requiring operator intervention.
func (b *Builder) UserAction() *Builder { return b.WithRetry(RetryUserAction) }

// Build creates the final ClassifiedError.
func (b *Builder) Build() *ClassifiedError {
	return &ClassifiedError{
		category: b.category,
		severity: b.severity,
		retry:    b.retry,
		message:  b.message,
		cause:    b.cause,
		context:  b.context,
	}
}

// Convenience constructors for the common kinds.

// Validation creates a malformed-input error. Never retried.
func Validation(message string) *Builder {
	return New(CategoryValidation, message)
}

// Auth creates an authorization denial. Uniform on purpose: no field
// detail that would help probing.
func Auth(message string) *Builder {
	return New(CategoryAuth, message).UserAction()
}

// Conflict creates an error carrying a conflicting key.
func Conflict(message string) *Builder {
	return New(CategoryConflict, message)
}

// NotFound creates a missing-entity error.
func NotFound(message string) *Builder {
	return New(CategoryNotFound, message)
}

// Transient creates a retryable infrastructure error.
func Transient(message string) *Builder {
	return New(CategoryTransient, message).Retryable()
}

// Operational creates a step-failure error surfaced after compensation.
func Operational(message string) *Builder {
	return New(CategoryOperational, message)
}

// Fatal creates an error after which the process refuses writes.
func Fatal(message string) *Builder {
	return New(CategoryFatal, message).WithSeverity(SeverityFatal)
}

// Git creates a git gateway error (retryable by default).
func Git(message string) *Builder {
	return New(CategoryGit, message).Retryable()
}

// Database creates an index DB error (retryable by default).
func Database(message string) *Builder {
	return New(CategoryDatabase, message).Retryable()
}

// Filesystem creates a record store error (retryable by default).
func Filesystem(message string) *Builder {
	return New(CategoryFilesystem, message).Retryable()
}

// Hook creates a hook dispatch error.
func Hook(message string) *Builder {
	return New(CategoryHook, message)
}

// Saga creates a saga executor error.
func Saga(message string) *Builder {
	return New(CategorySaga, message)
}

// Config creates a configuration error (fatal: bad config stops startup).
func Config(message string) *Builder {
	return New(CategoryConfig, message).Fatal()
}

// Internal creates an invariant-violation error.
func Internal(message string) *Builder {
	return New(CategoryInternal, message).Fatal()
}
