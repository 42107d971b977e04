// Package policy checks run definitions against Open Policy Agent (OPA)
// Rego policies before anything is provisioned.
//
// # Rules
//
// Every package found in the policy files is queried for two rules:
//
//   - deny: each value is a violation that blocks the run
//   - warn: each value is reported but never blocks
//
// A value is either a message string or an object with "msg" and an optional
// "step" naming the offending step.
//
// # Input
//
// Policies see the run definition as input:
//
//	input.config          the merged configuration document
//	input.job.id          the job id
//	input.job.steps[_]    {id, command, template, hash, config}
//
// where command is the step command with its placeholders filled in.
//
// # Example
//
//	package aeolus.guards
//
//	deny contains {"msg": "commands must not use sudo", "step": step.id} if {
//		some step in input.job.steps
//		contains(step.command, "sudo ")
//	}
//
//	warn contains "executor is local" if input.config.executor.kind == "local"
package policy
