package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies workflow failures for callers and recovery policies.
type ErrorKind string

const (
	// KindInvalidConfig marks configuration rejected at session creation.
	// Never retried.
	KindInvalidConfig ErrorKind = "invalid_config"
	// KindToolExecution marks an adapter-reported failure.
	KindToolExecution ErrorKind = "tool_execution"
	// KindTimeout marks a stage or workflow deadline exceeded.
	KindTimeout ErrorKind = "timeout"
	// KindRecoveryExhausted marks all configured recovery attempts failed.
	KindRecoveryExhausted ErrorKind = "recovery_exhausted"
	// KindResourceLimit marks a cache payload over the size limit.
	// Never retried.
	KindResourceLimit ErrorKind = "resource_limit_exceeded"
	// KindNotFound marks a session or resource lookup miss.
	KindNotFound ErrorKind = "not_found"
	// KindExpired marks a session past its TTL.
	KindExpired ErrorKind = "expired"
)

// Error is a structured workflow failure carrying the failing stage, the
// error kind, and the number of recovery attempts made.
type Error struct {
	Stage    Stage
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Stage != "" && e.Attempts > 0:
		return fmt.Sprintf("stage %s: %s after %d recovery attempts: %v", e.Stage, e.Kind, e.Attempts, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a stage-scoped workflow error.
func NewError(stage Stage, kind ErrorKind, attempts int, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Attempts: attempts, Err: err}
}

// KindOf extracts the error kind, or empty for unclassified errors.
func KindOf(err error) ErrorKind {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Kind
	}
	return ""
}
