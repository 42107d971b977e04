// Package shell runs a step's command line in its working directory.
package shell

import (
	"context"
	"fmt"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Repository treats each stage command as a shell template whose
// placeholders are filled from the step configuration.
type Repository struct {
	engine.NoSetup
}

var _ engine.Repository = (*Repository)(nil)

// New creates a shell repository.
func New() *Repository {
	return &Repository{}
}

// Run formats the step command and runs it through the shell.
func (r *Repository) Run(ctx context.Context, runner engine.Runner, step pipeline.Step) error {
	line, err := step.FormatCommand()
	if err != nil {
		return fmt.Errorf("format command of %s: %w", step.ID, err)
	}
	return runner.Command(ctx, engine.Shell(line).In(step))
}
