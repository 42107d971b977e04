// Package engine composes an Executor, a Storage and a Repository into a
// resumable run of a pipeline.Job.
//
// # Capabilities
//
// An Executor is a place where commands run. A Storage persists step
// artifacts and flat string metadata. A Repository does a step's work.
// Storages and repositories never hold an executor themselves; they receive
// a Runner on every call, normally a Binding created by the Orchestrator for
// the duration of a connect scope.
//
// # Lifecycle
//
// Orchestrator.Launch nests its scopes strictly:
//
//	Setup -> Connect -> Bind(storage) -> Bind(repository) -> fn
//	      <- release repository <- release storage <- disconnect
//	      <- Cleanup <- Setup teardown
//
// Every acquired scope is released on every exit path. The first failure is
// returned, joined with any errors raised while unwinding.
//
// # Resumability
//
// Run walks the job's steps in order. A step whose done marker equals its
// identity hash has its artifacts pulled from storage instead of being run.
// Otherwise the repository runs it and the storage pushes the result, after
// which the marker is written. A failed step leaves no marker, so the next
// launch retries it.
//
// # Observation
//
// Run state lives only in storage metadata: the executor address, the
// current step, the done markers and the final log text. Status, Logs and
// Terminate reconstruct the same view from a separate process using the
// same static job definition.
package engine
