package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// RunOptions configures a remote command.
type RunOptions struct {
	// Env is exported in the remote shell before the command runs.
	Env map[string]string

	// Stdout and Stderr receive the command's output as it is produced.
	// Nil discards the stream.
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes cmd in a remote shell and waits for it to finish. A non-zero
// exit is reported as a TransportError wrapping *ssh.ExitError. When ctx is
// cancelled the remote process is signalled and ctx.Err() is returned.
func (c *Client) Run(ctx context.Context, cmd string, opts RunOptions) error {
	session, err := c.session()
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdout = opts.Stdout
	session.Stderr = opts.Stderr

	line, err := WithEnv(cmd, opts.Env)
	if err != nil {
		return &TransportError{Op: "exec", Err: err}
	}
	startTime := time.Now()
	log.Debug().Str("command", cmd).Msg("executing command")

	if err := session.Start(line); err != nil {
		return &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = session.Signal(ssh.SIGKILL)
		}
		execErr = ctx.Err()
	case execErr = <-done:
	}

	log.Debug().
		Str("command", cmd).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if status, ok := ExitStatus(execErr); ok {
		return &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command exited with code %d: %w", status, execErr),
		}
	}
	return &TransportError{Op: "exec", Err: execErr, IsTemporary: true}
}

// Output runs cmd and returns its trimmed stdout and stderr.
func (c *Client) Output(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	err = c.Run(ctx, cmd, RunOptions{Stdout: &stdoutBuf, Stderr: &stderrBuf})
	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())
	if err != nil && stderr != "" {
		err = fmt.Errorf("%w: %s", err, stderr)
	}
	return stdout, stderr, err
}

// WithEnv prefixes cmd with shell exports of env in key order. Keys must be
// shell variable names.
func WithEnv(cmd string, env map[string]string) (string, error) {
	if len(env) == 0 {
		return cmd, nil
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(env)) {
		if !isEnvName(k) {
			return "", fmt.Errorf("%w: %q", ErrInvalidEnvName, k)
		}
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(shellquote.Join(env[k]))
		b.WriteString("; ")
	}
	b.WriteString(cmd)
	return b.String(), nil
}

// isEnvName reports whether s is a POSIX shell variable name.
func isEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case i > 0 && '0' <= r && r <= '9':
		default:
			return false
		}
	}
	return true
}
