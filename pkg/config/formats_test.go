package config

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"
)

const jobCUE = `
#Stage: {
	id:      string
	command: string
}

stages: [...#Stage] & [
	{id: "fetch", command: "git clone {repo} src"},
	{id: "build", command: "make -j{jobs} -C src"},
]

config: {
	"__id__": "nightly"
	fetch: repo: "https://example.com/app.git"
	build: jobs: 4
	build: flags: ratio: 1.50
}
`

func TestReadCUE(t *testing.T) {
	src, err := ReadFile(writeFile(t, "job.cue", jobCUE))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	job, err := ParseJob(src.Document)
	if err != nil {
		t.Fatalf("ParseJob() error = %v", err)
	}
	if job.ID() != "nightly" {
		t.Errorf("job id = %q, want nightly", job.ID())
	}

	build, err := job.Step("build")
	if err != nil {
		t.Fatal(err)
	}
	if got := build.Config["jobs"]; got != json.Number("4") {
		t.Errorf("jobs = %#v, want json.Number 4", got)
	}
	line, err := build.FormatCommand()
	if err != nil || line != "make -j4 -C src" {
		t.Errorf("FormatCommand() = %q, %v", line, err)
	}
	if _, ok := src.Document["#Stage"]; ok {
		t.Error("definitions must not be exported")
	}
}

func TestParseCUEErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "syntax", src: "stages: [", want: "job.cue"},
		{name: "incomplete", src: `config: "__id__": string`, want: "incomplete"},
		{name: "conflict", src: "a: 1\na: 2", want: "conflicting values"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCUE([]byte(tt.src), "job.cue")
			if err == nil {
				t.Fatal("ParseCUE() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

const jobStar = `
_targets = ["linux", "darwin"]

def _stage(target):
    return {"id": "build_" + target, "command": "make {target}"}

def unused():
    pass

stages = [_stage(t) for t in _targets]
config = dict(__id__ = env("AEOLUS_TEST_JOB", "dev"), **{"build_" + t: {"target": t, "retries": 2} for t in _targets})
meta = struct(owner = "ci", tags = ("a", "b"))
`

func TestReadStarlark(t *testing.T) {
	t.Setenv("AEOLUS_TEST_JOB", "from-env")

	src, err := ReadFile(writeFile(t, "job.star", jobStar))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	keys := make([]string, 0, len(src.Document))
	for k := range src.Document {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if want := []string{"config", "meta", "stages"}; !slices.Equal(keys, want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	job, err := ParseJob(src.Document)
	if err != nil {
		t.Fatalf("ParseJob() error = %v", err)
	}
	if job.ID() != "from-env" {
		t.Errorf("job id = %q, want from-env", job.ID())
	}
	step, err := job.Step("build_darwin")
	if err != nil {
		t.Fatal(err)
	}
	if step.Config["retries"] != int64(2) {
		t.Errorf("retries = %#v, want int64 2", step.Config["retries"])
	}

	meta, ok := src.Document["meta"].(map[string]any)
	if !ok || meta["owner"] != "ci" || len(meta["tags"].([]any)) != 2 {
		t.Errorf("meta = %#v", src.Document["meta"])
	}
}

func TestParseStarlarkErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "syntax", src: "stages = [", want: "job.star"},
		{name: "runtime", src: "x = 1 // 0", want: "division by zero"},
		{name: "non-string key", src: "config = {1: 2}", want: "not a string"},
		{name: "unknown builtin", src: "config = frobnicate()", want: "undefined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStarlark(context.Background(), []byte(tt.src), "job.star")
			if err == nil {
				t.Fatal("ParseStarlark() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
