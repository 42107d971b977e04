package pipeline

import (
	"fmt"
	"iter"
)

// StageConfig maps placeholder names to scalar values for one stage.
type StageConfig = map[string]any

// Job is a task bound to one run.
//
// A Job never changes after construction; every call to Steps, Step or
// StepAt projects fresh Step values from the same inputs.
type Job struct {
	task   *Task
	id     string
	config map[string]StageConfig
}

// NewJob binds a task to a run id and per-stage configuration.
// Stages missing from config get an empty configuration.
func NewJob(task *Task, id string, config map[string]StageConfig) *Job {
	cfg := make(map[string]StageConfig, len(config))
	for k, v := range config {
		cfg[k] = cloneConfig(v)
	}
	return &Job{task: task, id: id, config: cfg}
}

// ID returns the run id.
func (j *Job) ID() string {
	return j.id
}

// Task returns the underlying task.
func (j *Job) Task() *Task {
	return j.task
}

// Len returns the number of steps.
func (j *Job) Len() int {
	return j.task.Len()
}

// Steps yields the job's steps in task order. The sequence holds no state
// and can be ranged over any number of times.
func (j *Job) Steps() iter.Seq[Step] {
	return func(yield func(Step) bool) {
		for _, s := range j.task.stages {
			if !yield(j.project(s)) {
				return
			}
		}
	}
}

// StepAt returns the step at position i.
func (j *Job) StepAt(i int) (Step, error) {
	if i < 0 || i >= len(j.task.stages) {
		return Step{}, fmt.Errorf("%w: index %d out of range [0,%d)", ErrStageNotFound, i, len(j.task.stages))
	}
	return j.project(j.task.stages[i]), nil
}

// Step returns the step for the stage with the given id.
func (j *Job) Step(id string) (Step, error) {
	i := j.task.index(id)
	if i < 0 {
		return Step{}, fmt.Errorf("%w: %q", ErrStageNotFound, id)
	}
	return j.project(j.task.stages[i]), nil
}

func (j *Job) project(s Stage) Step {
	cfg := cloneConfig(j.config[s.ID])
	if cfg == nil {
		cfg = StageConfig{}
	}
	return Step{Stage: s, JobID: j.id, Config: cfg}
}

// cloneConfig copies c including nested maps and slices, so no projected
// step shares mutable state with the job.
func cloneConfig(c StageConfig) StageConfig {
	if c == nil {
		return nil
	}
	out := make(StageConfig, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneConfig(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
