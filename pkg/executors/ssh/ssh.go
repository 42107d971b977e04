// Package ssh runs commands on a remote host over SSH.
//
// The address has the form "[user@]host[:port][/workdir]". The working
// directory defaults to the login directory and holds the log of all
// commands and the pid of the shell running the current one.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"

	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/engine"
	transport "github.com/aeolus-run/aeolus/pkg/transports/ssh"
)

// Files kept in the remote working directory.
const (
	LogFile = "__log__"
	PIDFile = "__pid__"
)

const (
	pollInterval = 100 * time.Millisecond

	// idlePolls is how many empty polls after the tracked shell has exited
	// a following reader waits for the next command to start.
	idlePolls = 10
)

// Params configures the SSH executor.
type Params struct {
	// URI is the "[user@]host[:port]" target.
	URI string `json:"uri" yaml:"uri" validate:"required"`

	// Password enables password authentication.
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// KeyFile is the private key used for authentication.
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`

	// KnownHosts enables strict host key checking against this file.
	KnownHosts string `json:"known_hosts,omitempty" yaml:"known_hosts,omitempty"`

	// RandomWorkdir makes Setup append a fresh directory to the address.
	RandomWorkdir bool `json:"random_workdir,omitempty" yaml:"random_workdir,omitempty"`

	// Timeout bounds connection establishment. Zero uses the transport
	// default.
	Timeout config.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

// Executor runs commands on a remote host.
type Executor struct {
	engine.ExecutorDefaults

	params Params

	mu      sync.Mutex
	client  *transport.Client
	workdir string
}

var _ engine.Executor = (*Executor)(nil)

// New creates an SSH executor.
func New(params Params) *Executor {
	return &Executor{params: params}
}

// Setup returns the configured URI, with a random working directory when
// requested.
func (e *Executor) Setup(context.Context) (string, engine.Teardown, error) {
	address := e.params.URI
	if e.params.RandomWorkdir {
		address += "/" + RandomWorkdir()
	}
	return address, engine.Nop, nil
}

// RandomWorkdir returns a short random directory name.
func RandomWorkdir() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// SplitAddress separates the target from the working directory.
func SplitAddress(address string) (target, workdir string) {
	target, workdir, ok := strings.Cut(address, "/")
	if !ok || workdir == "" {
		workdir = "."
	}
	return target, workdir
}

// Connect dials the target of address and resolves its working directory.
func (e *Executor) Connect(ctx context.Context, address string) (engine.Teardown, error) {
	target, workdir := SplitAddress(address)

	config, err := e.config(target)
	if err != nil {
		return nil, err
	}

	client, err := transport.Dial(ctx, config)
	if err != nil {
		return nil, err
	}

	dir := quote(workdir)
	abs, _, err := client.Output(ctx, fmt.Sprintf("mkdir -p %s && cd %s && pwd -P", dir, dir))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("resolve working directory %s: %w", workdir, err)
	}

	log.Debug().Str("target", target).Str("workdir", abs).Msg("connected to SSH executor")

	e.mu.Lock()
	e.client = client
	e.workdir = abs
	e.mu.Unlock()

	return func(context.Context) error {
		e.mu.Lock()
		e.client = nil
		e.workdir = ""
		e.mu.Unlock()
		return client.Close()
	}, nil
}

func (e *Executor) config(target string) (*transport.Config, error) {
	config := transport.DefaultConfig("", "")
	if err := config.ParseTarget(target); err != nil {
		return nil, err
	}

	switch {
	case e.params.Password != "":
		config.AuthMethod = transport.AuthMethodPassword
		config.Password = e.params.Password
	case e.params.KeyFile != "":
		config.AuthMethod = transport.AuthMethodKey
		config.PrivateKeyPath = e.params.KeyFile
	case os.Getenv("SSH_AUTH_SOCK") != "":
		config.AuthMethod = transport.AuthMethodAgent
	}

	if e.params.KnownHosts != "" {
		config.KnownHostsPath = e.params.KnownHosts
		config.StrictHostKeyChecking = true
	}
	if e.params.Timeout > 0 {
		config.ConnectionTimeout = e.params.Timeout.Std()
	}
	return config, nil
}

func (e *Executor) session() (*transport.Client, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, "", engine.ErrNotConnected
	}
	return e.client, e.workdir, nil
}

// Command runs cmd in a remote shell, appending its output to the log and
// recording the shell's pid for Terminate.
func (e *Executor) Command(ctx context.Context, cmd engine.Command) error {
	client, workdir, err := e.session()
	if err != nil {
		return err
	}

	if err := client.Run(ctx, commandLine(workdir, cmd), transport.RunOptions{Env: cmd.Env}); err != nil {
		return fmt.Errorf("command %q: %w", cmd.String(), err)
	}
	return nil
}

func commandLine(workdir string, cmd engine.Command) string {
	dir := workdir
	if cmd.Step != nil {
		dir = path.Join(workdir, cmd.Step.JobID, cmd.Step.ID)
	}

	body := cmd.Shell
	if len(cmd.Args) > 0 {
		body = shellquote.Join(cmd.Args...)
	}

	return fmt.Sprintf("mkdir -p %s && cd %s && echo $$ > %s && { %s\n} >> %s 2>&1",
		quote(dir), quote(dir),
		quote(path.Join(workdir, PIDFile)),
		body,
		quote(path.Join(workdir, LogFile)),
	)
}

// Logs yields the non-empty lines of the remote log. With follow set it
// keeps polling while commands are running.
func (e *Executor) Logs(ctx context.Context, follow bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client, workdir, err := e.session()
		if err != nil {
			yield("", err)
			return
		}

		logPath := path.Join(workdir, LogFile)
		var (
			offset  int64
			partial []byte
		)

		read := func() (bool, bool) {
			data, err := client.ReadFrom(logPath, offset)
			if err != nil {
				yield("", err)
				return false, false
			}
			offset += int64(len(data))
			partial = append(partial, data...)

			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(partial[:i]))
				partial = partial[i+1:]
				if line == "" {
					continue
				}
				if !yield(line, nil) {
					return false, false
				}
			}
			return len(data) > 0, true
		}

		flush := func() {
			if line := strings.TrimSpace(string(partial)); line != "" {
				yield(line, nil)
			}
		}

		if _, ok := read(); !ok {
			return
		}
		if !follow {
			flush()
			return
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		idle := 0
		for idle < idlePolls {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case <-ticker.C:
			}

			grew, ok := read()
			if !ok {
				return
			}
			if grew || e.running(ctx, client, workdir) {
				idle = 0
				continue
			}
			idle++
		}
		flush()
	}
}

func (e *Executor) running(ctx context.Context, client *transport.Client, workdir string) bool {
	pid, err := readPID(client, workdir)
	if err != nil {
		return false
	}
	_, _, err = client.Output(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null", pid))
	return err == nil
}

// Terminate sends SIGTERM to the shell running the current command and to
// its children.
func (e *Executor) Terminate(ctx context.Context) error {
	client, workdir, err := e.session()
	if err != nil {
		return err
	}

	pid, err := readPID(client, workdir)
	if err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	cmd := fmt.Sprintf("pkill -TERM -P %d 2>/dev/null; kill -TERM %d", pid, pid)
	if _, _, err := client.Output(ctx, cmd); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	return nil
}

// readPID reads the pid of the last command shell over SFTP.
func readPID(client *transport.Client, workdir string) (int, error) {
	p := path.Join(workdir, PIDFile)
	data, err := client.ReadFile(p)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", p, data)
	}
	return pid, nil
}

func quote(s string) string {
	return shellquote.Join(s)
}
