package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// ErrDenied is wrapped by DeniedError.
var ErrDenied = errors.New("denied by policy")

// Severity is the weight of a violation.
type Severity string

const (
	// SeverityWarning comes from "warn" rules and never blocks a run.
	SeverityWarning Severity = "warning"

	// SeverityError comes from "deny" rules and blocks the run.
	SeverityError Severity = "error"
)

// Policy is one Rego package, possibly spread over several files.
type Policy struct {
	// Name is the package path without the data prefix, such as
	// aeolus.guards.
	Name string

	// Package is the full Rego reference of the package.
	Package string

	// Sources are the files the package was read from.
	Sources []string
}

// Violation is one message produced by a deny or warn rule.
type Violation struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Step     string   `json:"step,omitempty"`
}

func (v Violation) String() string {
	if v.Step != "" {
		return fmt.Sprintf("%s: %s (step %s)", v.Policy, v.Message, v.Step)
	}
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// DeniedError lists the blocking violations of a run definition.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("%v: %s", ErrDenied, strings.Join(msgs, "; "))
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

// Check returns a DeniedError when any violation has SeverityError.
func Check(violations []Violation) error {
	var denied []Violation
	for _, v := range violations {
		if v.Severity == SeverityError {
			denied = append(denied, v)
		}
	}
	if len(denied) == 0 {
		return nil
	}
	return &DeniedError{Violations: denied}
}

// Input is the document policies see as "input".
type Input struct {
	// Config is the merged configuration document.
	Config config.Document `json:"config"`

	// Job is the parsed job.
	Job JobInput `json:"job"`
}

// JobInput describes the job of a run definition.
type JobInput struct {
	ID    string      `json:"id"`
	Steps []StepInput `json:"steps"`
}

// StepInput describes one step. Command is the formatted command, or the
// raw template when a placeholder has no value.
type StepInput struct {
	ID       string         `json:"id"`
	Command  string         `json:"command"`
	Template string         `json:"template"`
	Hash     string         `json:"hash"`
	Config   map[string]any `json:"config"`
}

// NewInput builds the policy input for a run definition.
func NewInput(doc config.Document, job *pipeline.Job) Input {
	in := Input{Config: doc, Job: JobInput{ID: job.ID(), Steps: []StepInput{}}}
	for step := range job.Steps() {
		command, err := step.FormatCommand()
		if err != nil {
			command = step.Command
		}
		cfg := step.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		in.Job.Steps = append(in.Job.Steps, StepInput{
			ID:       step.ID,
			Command:  command,
			Template: step.Command,
			Hash:     step.Hash(),
			Config:   cfg,
		})
	}
	return in
}
