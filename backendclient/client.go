package backendclient

import (
	"context"
	"errors"
)

// Client is the durable backend's client-facing contract: exactly the two
// RPCs spec.md §4.C and §6 specify. Both are idempotent under token; the
// backend returns a monotonically fresh token on every successful
// Checkpoint call (spec.md §8 "Token monotonicity").
type Client interface {
	// Checkpoint submits updates (may be empty, e.g. a poller tick) under
	// the given token, returning the new token and, optionally, a page of
	// execution state the backend chose to push alongside the response.
	Checkpoint(ctx context.Context, arn, token string, updates []OperationUpdate) (newToken string, page *ExecutionStatePage, err error)

	// GetExecutionState pulls a further page of operations, continuing
	// from marker (empty marker means "from the start").
	GetExecutionState(ctx context.Context, arn, token, marker string) (page ExecutionStatePage, err error)
}

// TransientError wraps a backend failure the caller may retry (network
// blip, throttling, a stale-but-recoverable token conflict). Anything not
// wrapped as TransientError is treated as permanent and aborts the
// invocation with FAILED (spec.md §4.C).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "backendclient: transient: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
