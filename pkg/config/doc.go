// Package config loads the documents that define a pipeline run.
//
// # Documents
//
// A run is described by one or more JSON or YAML objects, read from files
// or given inline, and merged at the top level. Splitting is encouraged:
// one file for the backends, one for the stages, an inline document for the
// job id. A top-level key may appear in only one document.
//
//	executor:   {kind: ssh, uri: "ubuntu@build-1", random_workdir: true}
//	storage:    {kind: local, basepath: /var/lib/aeolus}
//	repository: {kind: shell}
//	stages:
//	  - {id: fetch, command: "git clone {repo} src"}
//	  - {id: build, command: "make -C src"}
//	config:
//	  __id__: nightly
//	  fetch: {repo: "https://example.com/app.git"}
//
// # Formats
//
// Files are decoded by extension. Besides JSON and YAML, a file may be CUE
// (.cue), which allows schemas and references inside one document, or a
// Starlark script (.star), whose public globals become the document:
//
//	_targets = ["linux", "darwin"]
//	stages = [{"id": "build_" + t, "command": "make {target}"} for t in _targets]
//	config = dict(__id__ = env("JOB_ID", "dev"), **{"build_" + t: {"target": t} for t in _targets})
//
// # Backends
//
// Each backend entry names its implementation with "kind"; every other key
// is a parameter of that implementation. Entries written for older releases
// name it with a dotted "__class__" path instead, whose last component is
// used as the kind.
//
// # Numbers
//
// JSON numbers keep their literal text, so "1.50" stays "1.50" in command
// placeholders and step hashes. YAML numbers are decoded to int or float64.
package config
