package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

const backendsJSON = `{
	"executor": {"kind": "local"},
	"storage": {"kind": "local", "basepath": "/tmp/aeolus"},
	"repository": {"__class__": "aeolus.repository.local.Local"}
}`

const jobYAML = `
stages:
  - id: touch_1
    command: touch {name}
  - id: sleep
    command: sleep {seconds}
config:
  __id__: job1
  touch_1:
    name: out.txt
  sleep:
    seconds: 30
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndParse(t *testing.T) {
	backends := writeFile(t, "backends.json", backendsJSON)
	job := writeFile(t, "job.yaml", jobYAML)

	doc, err := Load([]string{backends, job}, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if def.Job.ID() != "job1" {
		t.Errorf("job id = %q, want job1", def.Job.ID())
	}
	var ids []string
	for step := range def.Job.Steps() {
		ids = append(ids, step.ID)
	}
	if strings.Join(ids, ",") != "touch_1,sleep" {
		t.Errorf("steps = %v, want [touch_1 sleep]", ids)
	}

	sleep, err := def.Job.Step("sleep")
	if err != nil {
		t.Fatal(err)
	}
	if cmd, err := sleep.FormatCommand(); err != nil || cmd != "sleep 30" {
		t.Errorf("FormatCommand() = %q, %v, want %q", cmd, err, "sleep 30")
	}

	tests := []struct {
		name   string
		spec   BackendSpec
		kind   string
		params string
	}{
		{name: "executor", spec: def.Executor, kind: "local", params: `{}`},
		{name: "storage", spec: def.Storage, kind: "local", params: `{"basepath":"/tmp/aeolus"}`},
		{name: "repository", spec: def.Repository, kind: "local", params: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.spec.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", tt.spec.Kind, tt.kind)
			}
			if string(tt.spec.Params) != tt.params {
				t.Errorf("params = %s, want %s", tt.spec.Params, tt.params)
			}
		})
	}
}

func TestInlineJSONKeepsNumbers(t *testing.T) {
	doc, err := Load(nil, []string{
		`{"stages": [{"id": "a", "command": "echo {x}"}]}`,
		`{"config": {"__id__": 7, "a": {"x": 1.50}}}`,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	job, err := ParseJob(doc)
	if err != nil {
		t.Fatalf("ParseJob() error = %v", err)
	}
	if job.ID() != "7" {
		t.Errorf("job id = %q, want 7", job.ID())
	}
	step, err := job.Step("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := step.Config["x"].(json.Number); !ok {
		t.Fatalf("x decoded as %T, want json.Number", step.Config["x"])
	}
	if cmd, _ := step.FormatCommand(); cmd != "echo 1.50" {
		t.Errorf("FormatCommand() = %q, want %q", cmd, "echo 1.50")
	}
}

func TestMergeDuplicateKey(t *testing.T) {
	backends := writeFile(t, "backends.json", backendsJSON)

	_, err := Load([]string{backends}, []string{`{"storage": {"kind": "s3", "bucket": "b"}}`})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("Load() error = %v, want ErrDuplicateKey", err)
	}
	if !strings.Contains(err.Error(), "storage") || !strings.Contains(err.Error(), backends) {
		t.Errorf("error %q should name the key and the first document", err)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "missing stages",
			doc:     `{"config": {"__id__": "j"}}`,
			wantErr: ErrMissingConfigKey,
		},
		{
			name:    "missing config",
			doc:     `{"stages": []}`,
			wantErr: ErrMissingConfigKey,
		},
		{
			name:    "missing job id",
			doc:     `{"stages": [], "config": {}}`,
			wantErr: ErrMissingConfigKey,
		},
		{
			name:    "stages not a list",
			doc:     `{"stages": {"id": "a"}, "config": {"__id__": "j"}}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "stage without command",
			doc:     `{"stages": [{"id": "a"}], "config": {"__id__": "j"}}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "stage with unknown key",
			doc:     `{"stages": [{"id": "a", "command": "x", "cmd": "y"}], "config": {"__id__": "j"}}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "stage config not an object",
			doc:     `{"stages": [{"id": "a", "command": "x"}], "config": {"__id__": "j", "a": 3}}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "invalid identifier",
			doc:     `{"stages": [{"id": "1bad", "command": "x"}], "config": {"__id__": "j"}}`,
			wantErr: pipeline.ErrInvalidIdentifier,
		},
		{
			name:    "duplicate stage",
			doc:     `{"stages": [{"id": "a", "command": "x"}, {"id": "a", "command": "y"}], "config": {"__id__": "j"}}`,
			wantErr: pipeline.ErrDuplicateStageID,
		},
		{
			name:    "missing executor",
			doc:     `{"stages": [], "config": {"__id__": "j"}, "storage": {"kind": "local"}, "repository": {"kind": "shell"}}`,
			wantErr: ErrMissingConfigKey,
		},
		{
			name:    "backend without kind",
			doc:     `{"stages": [], "config": {"__id__": "j"}, "executor": {"uri": "h"}, "storage": {"kind": "local"}, "repository": {"kind": "shell"}}`,
			wantErr: ErrMissingConfigKey,
		},
		{
			name:    "backend not an object",
			doc:     `{"stages": [], "config": {"__id__": "j"}, "executor": "local", "storage": {"kind": "local"}, "repository": {"kind": "shell"}}`,
			wantErr: ErrInvalidDefinition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseJSON([]byte(tt.doc))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Parse(doc); !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseJSONRejectsNonObjects(t *testing.T) {
	for _, in := range []string{`[]`, `"x"`, `null`, `{} {}`, `{`} {
		if _, err := ParseJSON([]byte(in)); err == nil {
			t.Errorf("ParseJSON(%q) should fail", in)
		}
	}
}

func TestKindFromClass(t *testing.T) {
	tests := []struct {
		class string
		want  string
	}{
		{class: "aeolus.executor.ssh.SSH", want: "ssh"},
		{class: "aeolus.storage.s3.S3", want: "s3"},
		{class: "Docker", want: "docker"},
	}
	for _, tt := range tests {
		if got := KindFromClass(tt.class); got != tt.want {
			t.Errorf("KindFromClass(%q) = %q, want %q", tt.class, got, tt.want)
		}
	}
}

func TestYAMLNumbersMatchJSON(t *testing.T) {
	const stages = `"stages": [{"id": "build", "command": "make -j{jobs} RATIO={ratio}"}]`
	fromJSON, err := ParseJSON([]byte(`{` + stages + `, "config": {"__id__": "j", "build": {"jobs": 4, "ratio": 1.0, "mask": 16}}}`))
	if err != nil {
		t.Fatal(err)
	}
	fromYAML, err := ParseYAML([]byte(`
defaults: &defaults
  jobs: 2
  mask: 0x10
stages:
  - id: build
    command: make -j{jobs} RATIO={ratio}
config:
  __id__: j
  build:
    <<: *defaults
    jobs: 4
    ratio: 1.0
`))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}

	build := fromYAML["config"].(map[string]any)["build"].(map[string]any)
	for key, want := range map[string]json.Number{"jobs": "4", "ratio": "1.0", "mask": "16"} {
		if got := build[key]; got != want {
			t.Errorf("%s = %#v, want json.Number(%q)", key, got, want)
		}
	}

	hash := func(doc Document) string {
		t.Helper()
		job, err := ParseJob(doc)
		if err != nil {
			t.Fatalf("ParseJob() error = %v", err)
		}
		step, err := job.Step("build")
		if err != nil {
			t.Fatal(err)
		}
		return step.Hash()
	}
	if hash(fromJSON) != hash(fromYAML) {
		t.Error("the same job hashes differently in YAML and JSON")
	}
}

func TestParseYAMLErrors(t *testing.T) {
	for _, src := range []string{"", "- a\n- b\n", "just text", "a: [\n"} {
		if _, err := ParseYAML([]byte(src)); err == nil {
			t.Errorf("ParseYAML(%q) should fail", src)
		}
	}
}

func TestRender(t *testing.T) {
	doc, err := ParseJSON([]byte(`{"config": {"__id__": "j", "a": {"n": 3}}}`))
	if err != nil {
		t.Fatal(err)
	}

	out, err := doc.Indent()
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseJSON(out)
	if err != nil {
		t.Fatalf("Indent() output does not parse: %v\n%s", err, out)
	}
	if _, err := again.Indent(); err != nil {
		t.Fatal(err)
	}

	y, err := doc.YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(y), "n: 3\n") {
		t.Errorf("YAML() = %q, want a plain number", y)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `"90s"`, want: 90 * time.Second},
		{in: `"2m"`, want: 2 * time.Minute},
		{in: `30`, want: 30 * time.Second},
		{in: `0.5`, want: 500 * time.Millisecond},
		{in: `"soon"`, wantErr: true},
		{in: `true`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.in), &d)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Unmarshal(%s) = %v, want error", tt.in, d.Std())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
			}
			if d.Std() != tt.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.in, d.Std(), tt.want)
			}
		})
	}
}
