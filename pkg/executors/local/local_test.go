package local

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

func launch(t *testing.T) (*Executor, string) {
	t.Helper()
	ctx := context.Background()

	e := New(Params{TempDir: t.TempDir()})
	address, teardown, err := e.Setup(ctx)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = teardown(ctx) })

	disconnect, err := e.Connect(ctx, address)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = disconnect(ctx) })

	return e, address
}

func collect(t *testing.T, e *Executor, ctx context.Context, follow bool) []string {
	t.Helper()
	var lines []string
	for line, err := range e.Logs(ctx, follow) {
		if err != nil {
			t.Fatalf("Logs() error = %v", err)
		}
		lines = append(lines, line)
	}
	return lines
}

func writePID(t *testing.T, address string, pid int) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(address, PIDFile), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSetupRecordsOwner(t *testing.T) {
	ctx := context.Background()
	e := New(Params{TempDir: t.TempDir()})

	address, teardown, err := e.Setup(ctx)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !filepath.IsAbs(address) {
		t.Errorf("address %q is not absolute", address)
	}

	pid, err := readPID(address)
	if err != nil {
		t.Fatalf("readPID() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := teardown(ctx); err != nil {
		t.Fatalf("teardown() error = %v", err)
	}
	if _, err := os.Stat(address); !os.IsNotExist(err) {
		t.Errorf("working directory still exists: %v", err)
	}
}

func TestSetupKeep(t *testing.T) {
	ctx := context.Background()
	e := New(Params{TempDir: t.TempDir(), Keep: true})

	address, teardown, err := e.Setup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := teardown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(address); err != nil {
		t.Errorf("kept working directory missing: %v", err)
	}
}

func TestCommandAndLogs(t *testing.T) {
	ctx := context.Background()
	e, address := launch(t)
	step := pipeline.Step{Stage: pipeline.MustStage("build", "true"), JobID: "job1"}

	commands := []engine.Command{
		engine.Exec("echo", "hello world"),
		engine.Shell(`echo "$GREETING" > out.txt && cat out.txt`).In(step).WithEnv(map[string]string{"GREETING": "from env"}),
		engine.Shell("printf 'no newline'"),
	}
	for _, cmd := range commands {
		if err := e.Command(ctx, cmd); err != nil {
			t.Fatalf("Command(%q) error = %v", cmd, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(address, "job1", "build", "out.txt"))
	if err != nil {
		t.Fatalf("step output missing: %v", err)
	}
	if string(data) != "from env\n" {
		t.Errorf("out.txt = %q", data)
	}

	want := []string{"hello world", "from env", "no newline"}
	if got := collect(t, e, ctx, false); !slices.Equal(got, want) {
		t.Errorf("Logs() = %q, want %q", got, want)
	}
}

func TestCommandFailure(t *testing.T) {
	e, _ := launch(t)

	err := e.Command(context.Background(), engine.Shell("echo failing >&2; exit 4"))
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 4 {
		t.Fatalf("Command() error = %v, want exit status 4", err)
	}

	if got := collect(t, e, context.Background(), false); !slices.Equal(got, []string{"failing"}) {
		t.Errorf("Logs() = %q, want stderr captured", got)
	}
}

func TestCommandNotConnected(t *testing.T) {
	e := New(Params{})

	if err := e.Command(context.Background(), engine.Shell("true")); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("Command() error = %v, want ErrNotConnected", err)
	}
	for _, err := range e.Logs(context.Background(), false) {
		if !errors.Is(err, engine.ErrNotConnected) {
			t.Errorf("Logs() error = %v, want ErrNotConnected", err)
		}
	}
	if err := e.Terminate(context.Background()); !errors.Is(err, engine.ErrNotConnected) {
		t.Errorf("Terminate() error = %v, want ErrNotConnected", err)
	}
}

func TestCommandCancel(t *testing.T) {
	e, _ := launch(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := e.Command(ctx, engine.Exec("sleep", "30")); err == nil {
		t.Fatal("Command() error = nil after cancel")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Command() returned after %v", elapsed)
	}
}

func TestLogsFollowEndsWithOwner(t *testing.T) {
	e, address := launch(t)

	owner := exec.Command("sleep", "1")
	if err := owner.Start(); err != nil {
		t.Fatal(err)
	}
	waited := make(chan struct{})
	go func() {
		_ = owner.Wait()
		close(waited)
	}()
	writePID(t, address, owner.Process.Pid)

	if err := e.Command(context.Background(), engine.Exec("echo", "first")); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = e.Command(context.Background(), engine.Exec("echo", "second"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	got := collect(t, e, ctx, true)
	if !slices.Equal(got, []string{"first", "second"}) {
		t.Errorf("Logs(follow) = %q, want [first second]", got)
	}

	select {
	case <-waited:
	default:
		t.Error("follow returned before the owner exited")
	}
}

func TestLogsFollowStopsOnCancel(t *testing.T) {
	e, _ := launch(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var gotErr error
	for _, err := range e.Logs(ctx, true) {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, context.DeadlineExceeded) {
		t.Errorf("Logs(follow) error = %v, want deadline exceeded", gotErr)
	}
}

func TestTerminateSignalsOwner(t *testing.T) {
	e, address := launch(t)

	owner := exec.Command("sleep", "30")
	if err := owner.Start(); err != nil {
		t.Fatal(err)
	}
	waited := make(chan error, 1)
	go func() { waited <- owner.Wait() }()
	writePID(t, address, owner.Process.Pid)

	if err := e.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	select {
	case err := <-waited:
		if err == nil {
			t.Error("owner exited cleanly, want signal")
		}
	case <-time.After(10 * time.Second):
		_ = owner.Process.Kill()
		t.Fatal("owner still running after Terminate")
	}
}
