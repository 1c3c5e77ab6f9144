package errs

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. All of these are non-fatal to the orchestrator:
// a failing stage is isolated to the symbol's tick that hit it.
var (
	// ErrUpstreamFetch marks a failed market data fetch; the collector
	// backs off and keeps serving the cached point while it is fresh.
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	// ErrCacheUnavailable marks a cache outage. Reads degrade to a miss,
	// writes are skipped; the pipeline never blocks on the cache.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrAnalysisUnavailable means no analysis result was produced this
	// cycle. Analysis-dependent rules are skipped, not treated as false.
	ErrAnalysisUnavailable = errors.New("analysis unavailable")

	// ErrPersistenceFailed marks a durable write failure. Dependent side
	// effects must not proceed until the write succeeds.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrDeliveryFailed marks exhausted notification delivery attempts.
	// The event stays persisted and is marked undelivered.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrLeaseHeld means another worker holds the stage lease for the
	// symbol; the caller skips the protected section.
	ErrLeaseHeld = errors.New("lease held by another worker")
)

// ValidationError represents an error occurring during data validation.
type ValidationError struct {
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with a specific message.
func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
