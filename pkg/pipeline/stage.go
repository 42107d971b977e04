package pipeline

import (
	"fmt"
	"unicode"
)

// Stage is a named unit of work: an identifier and a command template.
// Stages are immutable once constructed.
type Stage struct {
	// ID identifies the stage within its task.
	ID string `json:"id" yaml:"id"`

	// Command is a template with {name} placeholders filled from step config.
	Command string `json:"command" yaml:"command"`
}

// NewStage creates a stage after validating its id.
func NewStage(id, command string) (Stage, error) {
	if !IsIdentifier(id) {
		return Stage{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return Stage{ID: id, Command: command}, nil
}

// MustStage is like NewStage but panics on an invalid id.
// It is meant for static definitions and tests.
func MustStage(id, command string) Stage {
	s, err := NewStage(id, command)
	if err != nil {
		panic(err)
	}
	return s
}

// IsIdentifier reports whether s is a non-empty bare identifier: a letter or
// underscore followed by letters, digits or underscores.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
