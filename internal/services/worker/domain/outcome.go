package domain

import (
	apperrors "github.com/broseph/broseph/internal/platform/errors"
)

// Status is the dispatcher-facing verdict of one handler invocation.
type Status string

const (
	// StatusSucceeded settles the job as done with Outcome.Result.
	StatusSucceeded Status = "succeeded"
	// StatusRetry requeues the job with backoff.
	StatusRetry Status = "retry"
	// StatusFailed settles the job as failed without retry.
	StatusFailed Status = "failed"
)

// Outcome is the explicit result of applying a job. The dispatcher decides
// between retry and terminal failure from Status alone.
type Outcome struct {
	Status Status
	Result any
	Err    error
}

// Succeeded reports a completed job and the result to store.
func Succeeded(result any) Outcome {
	return Outcome{Status: StatusSucceeded, Result: result}
}

// Retry reports a transient failure.
func Retry(err error) Outcome {
	return Outcome{Status: StatusRetry, Err: err}
}

// Failed reports a terminal failure.
func Failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Err: err}
}

// FromError maps a classified error onto Retry or Failed. Unclassified
// errors are treated as transient.
func FromError(err error) Outcome {
	if err == nil {
		return Succeeded(nil)
	}
	if apperrors.ClassOf(err).Retryable() {
		return Retry(err)
	}
	return Failed(err)
}

// Code returns the machine code of the outcome's error, if any.
func (o Outcome) Code() apperrors.Code {
	return apperrors.CodeOf(o.Err)
}
