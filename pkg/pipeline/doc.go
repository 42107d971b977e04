// Package pipeline defines the static and run-bound pipeline model.
//
// # Overview
//
// A pipeline is described by four value types:
//
//   - Stage: a named command template, validated once at construction
//   - Task: an ordered list of stages with unique ids
//   - Job: a task bound to one run (an id plus per-stage configuration)
//   - Step: a stage projected through a job's configuration
//
// Jobs and steps carry no run state. Everything observable about a run
// (current step, completion markers, logs) is kept by a storage backend, so
// an independent process can rebuild the same steps from the same
// definition and read the live state.
//
// # Identity
//
// Step.Hash computes a SHA-256 fingerprint over the step id, its command
// template and its configuration with keys in sorted order:
//
//	step, _ := job.Step("train")
//	marker := step.Hash()
//
// Configuration values are hashed by their text form, so the integer 1 and
// the string "1" produce the same fingerprint.
package pipeline
