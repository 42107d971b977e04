package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by executor operations that need a live
	// session when called outside a Connect scope.
	ErrNotConnected = errors.New("executor not connected")

	// ErrBindingRequired is returned when a Binding that is not bound to an
	// executor is asked to run a command.
	ErrBindingRequired = errors.New("executor binding required")

	// ErrMetadataNotFound is returned by Storage.GetMeta for absent keys.
	ErrMetadataNotFound = errors.New("metadata entry not found")

	// ErrUnsupported is returned for capabilities a backend does not provide.
	ErrUnsupported = errors.New("operation not supported")
)

// Phase names the part of the driving loop in which a step failed.
type Phase string

const (
	// PhaseCheck covers reading the step's done marker.
	PhaseCheck Phase = "check"

	// PhasePull covers restoring stored artifacts.
	PhasePull Phase = "pull"

	// PhaseRun covers Repository.Run.
	PhaseRun Phase = "run"

	// PhaseStore covers Storage push and done marking.
	PhaseStore Phase = "store"
)

// StepError reports a failure of one step in the driving loop.
type StepError struct {
	// JobID is the job the step belongs to.
	JobID string

	// StepID is the id of the failed step.
	StepID string

	// Phase is where in the loop the failure happened.
	Phase Phase

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("job %s: step %s: %s: %v", e.JobID, e.StepID, e.Phase, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *StepError) Unwrap() error {
	return e.Err
}

// IsStepError reports whether err carries a StepError and returns it.
func IsStepError(err error) (*StepError, bool) {
	var e *StepError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Unsupported wraps ErrUnsupported with the name of the operation.
func Unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}
