package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/aeolus-run/aeolus/pkg/engine/enginetest"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		command string
		config  pipeline.StageConfig
		want    string
		wantErr error
	}{
		{
			name:    "plain",
			command: "touch 1",
			want:    "touch 1",
		},
		{
			name:    "placeholders",
			command: "sleep {seconds} && echo {{done}}",
			config:  pipeline.StageConfig{"seconds": 2},
			want:    "sleep 2 && echo {done}",
		},
		{
			name:    "missing placeholder",
			command: "echo {name}",
			wantErr: pipeline.ErrMissingPlaceholder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := enginetest.NewExecutor("addr", nil)
			if _, err := e.Connect(ctx, "addr"); err != nil {
				t.Fatal(err)
			}

			task, err := pipeline.NewTask(pipeline.MustStage("s", tt.command))
			if err != nil {
				t.Fatal(err)
			}
			step, err := pipeline.NewJob(task, "job1", map[string]pipeline.StageConfig{"s": tt.config}).Step("s")
			if err != nil {
				t.Fatal(err)
			}

			err = New().Run(ctx, e, step)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Run() error = %v, want %v", err, tt.wantErr)
				}
				if len(e.Commands()) != 0 {
					t.Error("nothing should run when formatting fails")
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			cmds := e.Commands()
			if len(cmds) != 1 {
				t.Fatalf("ran %d commands, want 1", len(cmds))
			}
			if cmds[0].Shell != tt.want {
				t.Errorf("shell = %q, want %q", cmds[0].Shell, tt.want)
			}
			if cmds[0].Step == nil || cmds[0].Step.Workdir() != "job1/s" {
				t.Errorf("command does not run in the step directory")
			}
		})
	}
}
