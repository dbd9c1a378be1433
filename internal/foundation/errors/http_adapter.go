package errors

import "net/http"

// StatusCodeFor maps an error category to the HTTP status an API surface
// should return. The HTTP layer itself lives outside the engine; this
// keeps the mapping next to the taxonomy so the two cannot drift.
func StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch GetCategory(err) {
	case CategoryValidation:
		return http.StatusUnprocessableEntity
	case CategoryAuth:
		return http.StatusForbidden
	case CategoryConflict:
		return http.StatusConflict
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryTransient:
		return http.StatusServiceUnavailable
	case CategoryFatal:
		// Fatal responses carry Retry-After; see RetryAfterSeconds.
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds returns the Retry-After value for responses where
// the mapping calls for one, and 0 otherwise.
func RetryAfterSeconds(err error) int {
	switch GetCategory(err) {
	case CategoryTransient:
		return 5
	case CategoryFatal:
		return 60
	default:
		return 0
	}
}
