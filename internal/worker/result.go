// Package worker runs import and compilation units on a bounded goroutine
// pool. Units report an explicit Result instead of signalling retries by
// returning arbitrary errors.
package worker

import (
	cerrors "github.com/arkilian/chunkindex/internal/errors"
)

// Status is the outcome class of one unit attempt.
type Status int

const (
	StatusOk Status = iota
	StatusRetryable
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is what a unit returns. Value carries the unit's output on success
// (for example the changed chunk keys of a compilation).
type Result struct {
	Status   Status
	Err      error
	Value    interface{}
	Attempts int
}

// Ok returns a successful result carrying v.
func Ok(v interface{}) Result {
	return Result{Status: StatusOk, Value: v}
}

// Retry returns a result asking the pool to run the unit again.
func Retry(err error) Result {
	return Result{Status: StatusRetryable, Err: err}
}

// Fatal returns a result that must not be retried.
func Fatal(err error) Result {
	return Result{Status: StatusFatal, Err: err}
}

// FromError classifies err with the structured error retry policy.
// A nil error is Ok.
func FromError(v interface{}, err error) Result {
	if err == nil {
		return Ok(v)
	}
	if cerrors.IsRetryable(err) {
		return Retry(err)
	}
	return Fatal(err)
}
