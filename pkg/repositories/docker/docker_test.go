package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/engine/enginetest"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

func testStep(t *testing.T, command string, config pipeline.StageConfig) pipeline.Step {
	t.Helper()
	task, err := pipeline.NewTask(pipeline.MustStage("build", command))
	if err != nil {
		t.Fatal(err)
	}
	step, err := pipeline.NewJob(task, "job1", map[string]pipeline.StageConfig{"build": config}).Step("build")
	if err != nil {
		t.Fatal(err)
	}
	return step
}

func TestImage(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		config pipeline.StageConfig
		want   string
	}{
		{name: "bare", want: "alpine"},
		{name: "tag", config: pipeline.StageConfig{"tag": "3.20"}, want: "alpine:3.20"},
		{name: "registry", params: Params{URL: "registry.local:5000"}, want: "registry.local:5000/alpine"},
		{
			name:   "registry and tag",
			params: Params{URL: "registry.local:5000"},
			config: pipeline.StageConfig{"tag": "latest"},
			want:   "registry.local:5000/alpine:latest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.params).Image(testStep(t, "alpine", tt.config))
			if got != tt.want {
				t.Errorf("Image() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunLine(t *testing.T) {
	tests := []struct {
		name    string
		config  pipeline.StageConfig
		want    string
		wantErr bool
	}{
		{
			name: "minimal",
			want: "docker run --rm alpine",
		},
		{
			name:   "workspace",
			config: pipeline.StageConfig{"workspace": "/work"},
			want:   `docker run --rm -v "$PWD":/work alpine`,
		},
		{
			name: "env",
			config: pipeline.StageConfig{"env": map[string]any{
				"TOKEN": "",
				"MODE":  "release",
			}},
			want: "docker run --rm -e MODE=release -e TOKEN alpine",
		},
		{
			name:   "docker args list",
			config: pipeline.StageConfig{"docker_args": []any{"--network", "host"}},
			want:   "docker run --rm --network host alpine",
		},
		{
			name:   "docker args string",
			config: pipeline.StageConfig{"docker_args": "--cpus 2"},
			want:   "docker run --rm --cpus 2 alpine",
		},
		{
			name:   "command",
			config: pipeline.StageConfig{"command": `sh -c "echo hi"`},
			want:   "docker run --rm alpine sh -c 'echo hi'",
		},
		{
			name:    "bad env",
			config:  pipeline.StageConfig{"env": "A=1"},
			wantErr: true,
		},
		{
			name:    "unbalanced command",
			config:  pipeline.StageConfig{"command": `echo "oops`},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(Params{}).RunLine(testStep(t, "alpine", tt.config))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("RunLine() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("RunLine() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RunLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	e := enginetest.NewExecutor("addr", nil)
	if _, err := e.Connect(ctx, "addr"); err != nil {
		t.Fatal(err)
	}

	step := testStep(t, "alpine", pipeline.StageConfig{"tag": "3.20", "command": "true"})
	if err := New(Params{}).Run(ctx, e, step); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cmds := e.Commands()
	if len(cmds) != 2 {
		t.Fatalf("ran %d commands, want 2", len(cmds))
	}
	if got := cmds[0].String(); got != "docker pull alpine:3.20" {
		t.Errorf("pull = %q", got)
	}
	if got := cmds[1].String(); got != "docker run --rm alpine:3.20 true" {
		t.Errorf("run = %q", got)
	}
}

func TestRunPullFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("pull denied")
	e := enginetest.NewExecutor("addr", nil)
	e.CommandErr = func(cmd engine.Command) error {
		if len(cmd.Args) > 1 && cmd.Args[1] == "pull" {
			return boom
		}
		return nil
	}
	if _, err := e.Connect(ctx, "addr"); err != nil {
		t.Fatal(err)
	}

	err := New(Params{}).Run(ctx, e, testStep(t, "alpine", nil))
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if len(e.Commands()) != 0 {
		t.Error("docker run must not start after a failed pull")
	}
}
