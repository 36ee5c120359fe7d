package flow

import "errors"

// ErrNotFound is returned when a referenced workflow, step, or template
// does not exist. It is fatal for the current request only; callers must
// never fabricate a substitute entity.
var ErrNotFound = errors.New("not found")

// ErrGraphStalled indicates that pending steps exist but none of them can
// run because a dependency can never be satisfied (a template authoring
// error). The workflow is reported stalled, not failed.
var ErrGraphStalled = errors.New("workflow stalled: no eligible step")

// ErrStepConflict is returned by stores when promoting a step would leave
// the workflow with more than one IN_PROGRESS step.
var ErrStepConflict = errors.New("another step is already in progress")

// ErrDuplicateTurn indicates the turn's idempotency key was already
// claimed; side effects for this (workflow, step, input) already happened.
var ErrDuplicateTurn = errors.New("turn already processed")

// FlowError is a structured error for engine-level failures.
type FlowError struct {
	Code    string
	Message string
}

func (e *FlowError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// AdapterError wraps a failure from an external adapter (generation,
// retrieval, persistence). Transient failures are surfaced to callers as
// retryable: the step stays IN_PROGRESS and the turn may simply be retried.
type AdapterError struct {
	// Op names the failing adapter operation, e.g. "generate", "retrieve".
	Op string

	// Transient marks errors worth retrying (5xx, timeouts, rate limits).
	Transient bool

	Cause error
}

func (e *AdapterError) Error() string {
	msg := e.Op + " failed"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// Retryable implements the retryable-error contract.
func (e *AdapterError) Retryable() bool { return e.Transient }

// retryable is implemented by errors that may succeed on a later attempt.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err (or anything it wraps) is a transient
// failure the caller should retry rather than treat as fatal.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
