// Package apperrors provides structured launch-lifecycle errors for classification via errors.Is().
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation         = errors.New("validation error")
	ErrStagingFailed      = errors.New("staging failed")
	ErrJobNotFound        = errors.New("job not found")
	ErrManagerUnavailable = errors.New("manager unavailable")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrBridgeUnavailable  = errors.New("bridge unavailable")
	ErrTerminationFailed  = errors.New("termination failed")
	ErrWatchInterrupted   = errors.New("watch interrupted")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "manager.url", "job.image")
	JobID    string // For job-scoped errors; empty before admission
	Op       string // Operation that failed (e.g., "remote.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Staging creates a fatal pre-admission staging error.
func Staging(op string, cause error) error {
	return &Error{
		Sentinel: ErrStagingFailed,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// NotFound creates an error for a job the manager does not know.
func NotFound(jobID string) error {
	return &Error{
		Sentinel: ErrJobNotFound,
		Message:  fmt.Sprintf("job %s not found", jobID),
		JobID:    jobID,
	}
}

// Unavailable creates an error for a manager that could not be reached
// or answered outside its contract.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrManagerUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// InvalidEndpoint creates an error for an endpoint entry that failed to parse.
func InvalidEndpoint(address, reason string) error {
	return &Error{
		Sentinel: ErrInvalidEndpoint,
		Message:  fmt.Sprintf("endpoint %q: %s", address, reason),
	}
}

// Bridge creates a transient bridge setup error. The polling loop logs
// these and retries on a later tick.
func Bridge(op string, cause error) error {
	return &Error{
		Sentinel: ErrBridgeUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Termination creates an error for a failed best-effort remote
// termination during shutdown.
func Termination(jobID string, cause error) error {
	return &Error{
		Sentinel: ErrTerminationFailed,
		Message:  fmt.Sprintf("terminate job %s: %v", jobID, cause),
		JobID:    jobID,
		Cause:    cause,
	}
}

// Interrupted creates an error for a watch that ended before the job
// reached a terminal state.
func Interrupted(op string, cause error) error {
	return &Error{
		Sentinel: ErrWatchInterrupted,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
