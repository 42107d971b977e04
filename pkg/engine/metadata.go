package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Metadata key suffixes.
const (
	addressSuffix = "__address__"
	stepSuffix    = "__step__"
	logsSuffix    = "__logs__"
	doneSuffix    = "__done__"
)

// AddressKey is the metadata key holding the executor address of a job.
func AddressKey(jobID string) string {
	return jobID + "/" + addressSuffix
}

// CurrentStepKey is the metadata key holding the id of the running step.
// It is empty once the job has completed.
func CurrentStepKey(jobID string) string {
	return jobID + "/" + stepSuffix
}

// LogsKey is the metadata key holding the full log text of the last run.
func LogsKey(jobID string) string {
	return jobID + "/" + logsSuffix
}

// DoneKey is the metadata key holding the identity hash of a completed step.
func DoneKey(step pipeline.Step) string {
	return step.JobID + "/" + step.ID + "/" + doneSuffix
}

// IsDone reports whether step's done marker exists and matches its current
// identity hash. A missing marker is not an error.
func IsDone(ctx context.Context, s Storage, step pipeline.Step) (bool, error) {
	hash, err := s.GetMeta(ctx, DoneKey(step))
	if errors.Is(err, ErrMetadataNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read done marker of %s: %w", step.ID, err)
	}
	return hash == step.Hash(), nil
}

// MarkDone writes step's identity hash as its done marker.
func MarkDone(ctx context.Context, s Storage, step pipeline.Step) error {
	if err := s.SetMeta(ctx, DoneKey(step), step.Hash()); err != nil {
		return fmt.Errorf("write done marker of %s: %w", step.ID, err)
	}
	return nil
}

// Store pushes the step's artifacts and then marks it done. A failed push
// leaves no marker.
func Store(ctx context.Context, s Storage, r Runner, step pipeline.Step) error {
	if err := s.Push(ctx, r, step); err != nil {
		return fmt.Errorf("push %s: %w", step.ID, err)
	}
	return MarkDone(ctx, s, step)
}
