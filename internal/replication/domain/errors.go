package replication

import (
	"errors"
	"fmt"
)

// ErrCycleRunning is returned when a cycle is triggered for a destination
// whose previous cycle has not finished. The trigger is skipped; two writers
// racing on the same watermark would be worse than a late poll.
var ErrCycleRunning = errors.New("replication: cycle already running")

// TransientError marks a failure that is safe to retry: the destination or
// source was unreachable or briefly locked, nothing was corrupted, and the
// watermark stayed put.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps err as retryable. Returns nil for nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth a bounded retry.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// InvariantError reports a violation of the data model that should be
// impossible after canonical selection and normalization: a duplicate key, a
// missing required field, an offset-less instant. It signals a logic defect
// upstream and must abort the cycle loudly, never be skipped.
type InvariantError struct {
	Reason string
	Err    error
}

func (e *InvariantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("replication: invariant violated: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("replication: invariant violated: %s", e.Reason)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Invariant wraps err as an invariant violation with context.
func Invariant(reason string, err error) error {
	return &InvariantError{Reason: reason, Err: err}
}

// IsInvariant reports whether err is a data-model violation.
func IsInvariant(err error) bool {
	var v *InvariantError
	return errors.As(err, &v)
}
