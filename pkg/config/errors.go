package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConfigKey is returned when a required key is absent.
	ErrMissingConfigKey = errors.New("missing configuration key")

	// ErrDuplicateKey is returned when two documents define the same
	// top-level key.
	ErrDuplicateKey = errors.New("duplicate configuration key")

	// ErrInvalidDefinition is returned for entries of the wrong shape.
	ErrInvalidDefinition = errors.New("invalid definition")
)

// ValidationError locates a problem inside a document.
type ValidationError struct {
	// Source names the document (file path or "inline #n").
	Source string `json:"source,omitempty"`

	// Path is the dotted path to the offending value (e.g. "stages.1.id").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`

	// Err is the sentinel the problem maps to.
	Err error `json:"-"`
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Source != "" {
		msg = e.Source + ": " + msg
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func missing(path string) error {
	return &ValidationError{Path: path, Message: "required key is missing", Err: ErrMissingConfigKey}
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Err: ErrInvalidDefinition}
}
