package signaged

import "github.com/pkg/errors"

// Sentinel errors shared across the subsystem. Callers wrap these with
// context via pkg/errors; the HTTP edge maps them to status codes.
var (
	// ErrUnauthorized marks a bad, missing or unknown device credential.
	// No state is mutated when it is returned.
	ErrUnauthorized = errors.New("unauthorized device credential")

	// ErrNotFound marks an unresolvable target device or session.
	ErrNotFound = errors.New("device not found")

	// ErrInternal marks a store failure; the caller is expected to retry
	// with backoff.
	ErrInternal = errors.New("internal storage failure")

	// ErrUnavailable marks missing dependent configuration or service.
	ErrUnavailable = errors.New("service unavailable")
)
