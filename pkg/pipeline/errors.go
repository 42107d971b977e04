package pipeline

import "errors"

var (
	// ErrInvalidIdentifier is returned when a stage id is not a bare identifier.
	ErrInvalidIdentifier = errors.New("invalid stage identifier")

	// ErrDuplicateStageID is returned when two stages of a task share an id.
	ErrDuplicateStageID = errors.New("duplicate stage id")

	// ErrStageNotFound is returned by job lookups that match no stage.
	ErrStageNotFound = errors.New("stage not found")

	// ErrMissingPlaceholder is returned when a command references a
	// placeholder absent from the step configuration.
	ErrMissingPlaceholder = errors.New("missing placeholder value")

	// ErrInvalidTemplate is returned for unbalanced braces in a command.
	ErrInvalidTemplate = errors.New("invalid command template")
)
