package types

import "errors"

// Error classes shared by the gateways, the store and the pipeline.
// Callers classify failures with errors.Is.
var (
	// ErrValidation indicates bad caller input, e.g. an empty question.
	ErrValidation = errors.New("validation error")

	// ErrUpstreamUnavailable indicates a remote model or store endpoint is
	// unreachable or misconfigured (model not found, 4xx, open breaker).
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTransient indicates a connection reset, timeout or 5xx response.
	// Gateways retry these before surfacing them.
	ErrTransient = errors.New("transient I/O error")

	// ErrPartialFailure indicates a batch where some items failed.
	ErrPartialFailure = errors.New("partial failure")

	// ErrInternal indicates an unexpected failure.
	ErrInternal = errors.New("internal error")

	// ErrNotFound indicates a requested document does not exist.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err should be retried by a gateway.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
