// Package local runs commands as child processes of the current machine.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/aeolus-run/aeolus/pkg/engine"
)

// Files kept in the working directory.
const (
	LogFile = "__log__"
	PIDFile = "__pid__"
)

// pollInterval bounds how long a following reader waits between checks.
const pollInterval = 100 * time.Millisecond

// Params configures the local executor.
type Params struct {
	// TempDir is the parent of the working directory created by Setup.
	// Empty means the system temporary directory.
	TempDir string `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`

	// Keep leaves the working directory in place after the launch.
	Keep bool `json:"keep,omitempty" yaml:"keep,omitempty"`
}

// Executor runs commands in a temporary directory on the local machine.
// The address is the absolute path of that directory.
type Executor struct {
	params Params

	mu      sync.Mutex
	workdir string
	logFile *os.File
}

var _ engine.Executor = (*Executor)(nil)

// New creates a local executor.
func New(params Params) *Executor {
	return &Executor{params: params}
}

// Setup creates the working directory and records the current process as
// its owner.
func (e *Executor) Setup(context.Context) (string, engine.Teardown, error) {
	workdir, err := os.MkdirTemp(e.params.TempDir, "aeolus_")
	if err != nil {
		return "", nil, fmt.Errorf("create working directory: %w", err)
	}
	workdir, err = filepath.Abs(workdir)
	if err != nil {
		return "", nil, err
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(filepath.Join(workdir, PIDFile), []byte(pid), 0o644); err != nil {
		_ = os.RemoveAll(workdir)
		return "", nil, fmt.Errorf("write pid file: %w", err)
	}

	log.Debug().Str("workdir", workdir).Str("pid", pid).Msg("created local working directory")

	return workdir, func(context.Context) error {
		if e.params.Keep {
			return nil
		}
		return os.RemoveAll(workdir)
	}, nil
}

// Connect opens the log of the working directory at address.
func (e *Executor) Connect(_ context.Context, address string) (engine.Teardown, error) {
	info, err := os.Stat(address)
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("working directory %s is not a directory", address)
	}

	f, err := os.OpenFile(filepath.Join(address, LogFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	e.mu.Lock()
	e.workdir = address
	e.logFile = f
	e.mu.Unlock()

	return func(context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.workdir = ""
		e.logFile = nil
		return f.Close()
	}, nil
}

// Command runs cmd as a child process with its output appended to the log.
// Cancelling ctx kills the child.
func (e *Executor) Command(ctx context.Context, cmd engine.Command) error {
	e.mu.Lock()
	workdir, logFile := e.workdir, e.logFile
	e.mu.Unlock()

	if workdir == "" {
		return engine.ErrNotConnected
	}

	dir := workdir
	if cmd.Step != nil {
		dir = filepath.Join(workdir, cmd.Step.JobID, cmd.Step.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create step directory: %w", err)
		}
	}

	var c *exec.Cmd
	if len(cmd.Args) > 0 {
		c = exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	} else {
		c = exec.CommandContext(ctx, "sh", "-c", cmd.Shell)
	}
	c.Dir = dir
	c.Stdout = logFile
	c.Stderr = logFile
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	log.Debug().Str("command", cmd.String()).Str("dir", dir).Msg("running local command")

	if err := c.Run(); err != nil {
		return fmt.Errorf("command %q: %w", cmd.String(), err)
	}
	return nil
}

// Logs yields the lines of the log. With follow set it keeps reading until
// the owning process exits or ctx is done.
func (e *Executor) Logs(ctx context.Context, follow bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		e.mu.Lock()
		workdir := e.workdir
		e.mu.Unlock()

		if workdir == "" {
			yield("", engine.ErrNotConnected)
			return
		}

		f, err := os.Open(filepath.Join(workdir, LogFile))
		if err != nil {
			yield("", fmt.Errorf("open log: %w", err))
			return
		}
		defer f.Close()

		r := &lineReader{r: bufio.NewReader(f)}
		if !r.drain(yield) {
			return
		}
		if !follow {
			r.flush(yield)
			return
		}

		pid, err := readPID(workdir)
		if err != nil {
			yield("", err)
			return
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			yield("", fmt.Errorf("watch log: %w", err))
			return
		}
		defer watcher.Close()
		if err := watcher.Add(f.Name()); err != nil {
			log.Debug().Err(err).Msg("log watch unavailable, polling")
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for alive(pid) {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-ticker.C:
			}
			if !r.drain(yield) {
				return
			}
		}

		if r.drain(yield) {
			r.flush(yield)
		}
	}
}

// Terminate sends SIGTERM to the process that owns the working directory.
func (e *Executor) Terminate(context.Context) error {
	e.mu.Lock()
	workdir := e.workdir
	e.mu.Unlock()

	if workdir == "" {
		return engine.ErrNotConnected
	}

	pid, err := readPID(workdir)
	if err != nil {
		return err
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	log.Info().Int("pid", pid).Msg("terminating launch process")
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	return nil
}

// Cleanup does nothing.
func (e *Executor) Cleanup(context.Context) error {
	return nil
}

func readPID(workdir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(workdir, PIDFile))
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

func alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// lineReader splits a growing file into lines, holding back a trailing
// partial line until it is completed or flushed.
type lineReader struct {
	r       *bufio.Reader
	partial string
}

func (l *lineReader) drain(yield func(string, error) bool) bool {
	for {
		chunk, err := l.r.ReadString('\n')
		if err == nil {
			line := l.partial + chunk
			l.partial = ""
			if !yield(strings.TrimRight(line, "\r\n"), nil) {
				return false
			}
			continue
		}
		l.partial += chunk
		if errors.Is(err, io.EOF) {
			return true
		}
		yield("", fmt.Errorf("read log: %w", err))
		return false
	}
}

func (l *lineReader) flush(yield func(string, error) bool) {
	if l.partial == "" {
		return
	}
	line := l.partial
	l.partial = ""
	yield(strings.TrimRight(line, "\r"), nil)
}
