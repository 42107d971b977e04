package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

const guards = `package aeolus.guards

deny contains {"msg": "commands must not use sudo", "step": step.id} if {
	some step in input.job.steps
	contains(step.command, "sudo ")
}

warn contains "executor is local" if input.config.executor.kind == "local"
`

const naming = `package aeolus.naming

deny contains msg if {
	not startswith(input.job.id, "ci-")
	msg := sprintf("job id %s must start with ci-", [input.job.id])
}
`

func testInput(t *testing.T, jobID, command string) Input {
	t.Helper()
	task, err := pipeline.NewTask(
		pipeline.MustStage("fetch", "git clone {repo} src"),
		pipeline.MustStage("build", command),
	)
	if err != nil {
		t.Fatal(err)
	}
	job := pipeline.NewJob(task, jobID, map[string]pipeline.StageConfig{
		"fetch": {"repo": "https://example.com/app.git"},
	})
	doc := config.Document{
		"executor": map[string]any{"kind": "local"},
	}
	return NewInput(doc, job)
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	engine, err := Compile(ctx, map[string]string{
		"guards.rego": guards,
		"naming.rego": naming,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if got := len(engine.Policies()); got != 2 {
		t.Fatalf("Policies() = %d, want 2", got)
	}

	tests := []struct {
		name    string
		jobID   string
		command string
		want    []Violation
	}{
		{
			name:    "clean",
			jobID:   "ci-nightly",
			command: "make -C src",
			want: []Violation{
				{Policy: "aeolus.guards", Severity: SeverityWarning, Message: "executor is local"},
			},
		},
		{
			name:    "sudo and bad id",
			jobID:   "nightly",
			command: "sudo make install",
			want: []Violation{
				{Policy: "aeolus.guards", Severity: SeverityError, Message: "commands must not use sudo", Step: "build"},
				{Policy: "aeolus.naming", Severity: SeverityError, Message: "job id nightly must start with ci-"},
				{Policy: "aeolus.guards", Severity: SeverityWarning, Message: "executor is local"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(ctx, testInput(t, tt.jobID, tt.command))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Evaluate() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("violation %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if err := Check([]Violation{{Policy: "p", Severity: SeverityWarning, Message: "w"}}); err != nil {
		t.Errorf("warnings must not block: %v", err)
	}

	err := Check([]Violation{
		{Policy: "p", Severity: SeverityError, Message: "no", Step: "build"},
		{Policy: "p", Severity: SeverityWarning, Message: "w"},
	})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Check() error = %v, want ErrDenied", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || len(denied.Violations) != 1 {
		t.Fatalf("Check() error = %#v", err)
	}
	if want := "denied by policy: p: no (step build)"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNewInputFormatsCommands(t *testing.T) {
	in := testInput(t, "ci-1", "make {target}")
	if len(in.Job.Steps) != 2 {
		t.Fatalf("steps = %d", len(in.Job.Steps))
	}
	fetch := in.Job.Steps[0]
	if fetch.Command != "git clone https://example.com/app.git src" {
		t.Errorf("fetch command = %q", fetch.Command)
	}
	if fetch.Hash == "" || fetch.Template != "git clone {repo} src" {
		t.Errorf("fetch = %+v", fetch)
	}
	// A placeholder without a value leaves the template in place.
	if build := in.Job.Steps[1]; build.Command != "make {target}" {
		t.Errorf("build command = %q", build.Command)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"guards.rego":             guards,
		"nested/naming.rego":      naming,
		"nested/naming_test.rego": "package aeolus.naming_test\n\ntest_ok if true\n",
		"README.md":               "not a policy",
	} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	engine, err := Load(context.Background(), []string{dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	policies := engine.Policies()
	if len(policies) != 2 || policies[0].Name != "aeolus.guards" || policies[1].Name != "aeolus.naming" {
		t.Errorf("Policies() = %+v", policies)
	}

	if _, err := Load(context.Background(), []string{filepath.Join(dir, "missing")}, zerolog.Nop()); err == nil {
		t.Error("Load() of a missing path should fail")
	}
	if _, err := Compile(context.Background(), map[string]string{"bad.rego": "package x\n\ndeny contains"}, zerolog.Nop()); err == nil {
		t.Error("Compile() of invalid Rego should fail")
	}
}
