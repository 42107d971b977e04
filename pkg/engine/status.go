package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// StepState is the observable state of one step.
type StepState string

const (
	// StepDone means the step's done marker matches its identity hash.
	StepDone StepState = "done"

	// StepPending means the step has not completed with its current
	// identity.
	StepPending StepState = "pending"
)

// StepStatus pairs a step id with its state.
type StepStatus struct {
	ID    string
	State StepState
}

// StatusReport lists the state of every step in job order.
type StatusReport struct {
	JobID string
	Steps []StepStatus
}

// State returns the state of the step with the given id.
func (r StatusReport) State(id string) (StepState, bool) {
	for _, s := range r.Steps {
		if s.ID == id {
			return s.State, true
		}
	}
	return "", false
}

// Map returns the report as a step id to state map.
func (r StatusReport) Map() map[string]string {
	m := make(map[string]string, len(r.Steps))
	for _, s := range r.Steps {
		m[s.ID] = string(s.State)
	}
	return m
}

// Done reports whether every step is done.
func (r StatusReport) Done() bool {
	for _, s := range r.Steps {
		if s.State != StepDone {
			return false
		}
	}
	return true
}

// MarshalJSON renders the report as a JSON object keyed by step id,
// preserving job order.
func (r StatusReport) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range r.Steps {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.ID)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(string(s.State))
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Status reads the done markers of every step. It only reads storage
// metadata and never connects to the executor.
func (o *Orchestrator) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{JobID: o.job.ID()}
	for step := range o.job.Steps() {
		done, err := IsDone(ctx, o.storage, step)
		if err != nil {
			return StatusReport{}, err
		}
		state := StepPending
		if done {
			state = StepDone
		}
		report.Steps = append(report.Steps, StepStatus{ID: step.ID, State: state})
	}
	return report, nil
}

// CurrentStep returns the id of the step the last launch was running, or
// the empty string when it completed or never started.
func (o *Orchestrator) CurrentStep(ctx context.Context) (string, error) {
	step, err := o.meta(ctx, CurrentStepKey(o.job.ID()))
	if errors.Is(err, ErrMetadataNotFound) {
		return "", nil
	}
	return step, err
}

// Logs connects to the recorded executor address and passes every log line
// to fn. With follow set it keeps streaming until the tracked process exits.
func (o *Orchestrator) Logs(ctx context.Context, follow bool, fn func(line string) error) error {
	address, err := o.address(ctx)
	if err != nil {
		return err
	}
	return o.Connect(ctx, address, ConnectOptions{}, func(ctx context.Context, s *Session) error {
		for line, err := range s.Executor.Logs(ctx, follow) {
			if err != nil {
				return fmt.Errorf("read logs: %w", err)
			}
			if err := fn(line); err != nil {
				return err
			}
		}
		return nil
	})
}

// Terminate connects to the recorded executor address and forcibly ends
// the target.
func (o *Orchestrator) Terminate(ctx context.Context) error {
	address, err := o.address(ctx)
	if err != nil {
		return err
	}
	return o.Connect(ctx, address, ConnectOptions{}, func(ctx context.Context, s *Session) error {
		o.printf("[executor] connected")
		o.logger.Info().Str("address", address).Msg("Terminating executor")
		return s.Executor.Terminate(ctx)
	})
}

func (o *Orchestrator) address(ctx context.Context) (string, error) {
	address, err := o.meta(ctx, AddressKey(o.job.ID()))
	if err != nil {
		return "", fmt.Errorf("job %s has no recorded executor: %w", o.job.ID(), err)
	}
	return address, nil
}

func (o *Orchestrator) meta(ctx context.Context, key string) (string, error) {
	return o.storage.GetMeta(ctx, key)
}
