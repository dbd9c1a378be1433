package errors

import (
	"errors"
	"fmt"
)

// ClassifiedError is the error type flowing out of every engine
// operation. It carries the category that drives CLI/HTTP mapping, the
// retry strategy consulted by saga steps, and structured context.
type ClassifiedError struct {
	category Category
	severity Severity
	retry    RetryStrategy
	message  string
	cause    error
	context  Context
}

// Error implements the standard error interface.
func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.category, e.severity, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.category, e.severity, e.message)
}

// Unwrap implements Go 1.13+ error unwrapping.
func (e *ClassifiedError) Unwrap() error { return e.cause }

func (e *ClassifiedError) Category() Category           { return e.category }
func (e *ClassifiedError) Severity() Severity           { return e.severity }
func (e *ClassifiedError) RetryStrategy() RetryStrategy { return e.retry }
func (e *ClassifiedError) Message() string              { return e.message }
func (e *ClassifiedError) Context() Context             { return e.context }

// WithContext returns a copy of the error with an added context value.
func (e *ClassifiedError) WithContext(key string, value any) *ClassifiedError {
	out := *e
	out.context = e.context.Merge(Context{key: value})
	return &out
}

// Is matches on category and message so sentinel comparisons work across
// wrapping.
func (e *ClassifiedError) Is(target error) bool {
	if other, ok := target.(*ClassifiedError); ok {
		return e.category == other.category && e.message == other.message
	}
	return false
}

func (e *ClassifiedError) IsCategory(c Category) bool { return e.category == c }

// CanRetry reports whether a saga step may retry the failed operation.
func (e *ClassifiedError) CanRetry() bool {
	return e.retry == RetryImmediate || e.retry == RetryBackoff
}

// IsFatal reports whether the error should stop the process from
// serving writes.
func (e *ClassifiedError) IsFatal() bool { return e.severity == SeverityFatal }

// AsClassified extracts a ClassifiedError from anywhere in the chain.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// GetCategory extracts the category from an error chain, defaulting to
// CategoryInternal for unclassified errors.
func GetCategory(err error) Category {
	if ce, ok := AsClassified(err); ok {
		return ce.Category()
	}
	return CategoryInternal
}

// GetRetryStrategy extracts the retry strategy, defaulting to RetryNever.
func GetRetryStrategy(err error) RetryStrategy {
	if ce, ok := AsClassified(err); ok {
		return ce.RetryStrategy()
	}
	return RetryNever
}

// IsTransient reports whether any error in the chain is retryable.
func IsTransient(err error) bool {
	if ce, ok := AsClassified(err); ok {
		return ce.CanRetry()
	}
	return false
}
