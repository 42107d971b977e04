package pipeline

import (
	"fmt"
	"slices"
)

// Task is an ordered sequence of stages with unique ids.
type Task struct {
	stages []Stage
}

// NewTask creates a task, validating every stage id and rejecting duplicates.
func NewTask(stages ...Stage) (*Task, error) {
	seen := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		if !IsIdentifier(s.ID) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s.ID)
		}
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStageID, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return &Task{stages: slices.Clone(stages)}, nil
}

// Stages returns a copy of the task's stages in execution order.
func (t *Task) Stages() []Stage {
	return slices.Clone(t.stages)
}

// Len returns the number of stages.
func (t *Task) Len() int {
	return len(t.stages)
}

// index returns the position of the stage with the given id, or -1.
func (t *Task) index(id string) int {
	return slices.IndexFunc(t.stages, func(s Stage) bool { return s.ID == id })
}
