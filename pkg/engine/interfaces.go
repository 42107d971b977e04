package engine

import (
	"context"
	"iter"

	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Command is one shell-like command to run in an executor.
type Command struct {
	// Args is the exec form: program followed by arguments.
	Args []string

	// Shell is a command line interpreted by a shell. It is used when Args
	// is empty.
	Shell string

	// Env holds extra environment variables for the command.
	Env map[string]string

	// Step selects the step's isolated working directory
	// (<workdir>/<job_id>/<step_id>). Nil means the base working directory.
	Step *pipeline.Step
}

// Exec builds an exec-form command.
func Exec(args ...string) Command {
	return Command{Args: args}
}

// Shell builds a shell-form command.
func Shell(line string) Command {
	return Command{Shell: line}
}

// In returns a copy of c running in the step's working directory.
func (c Command) In(step pipeline.Step) Command {
	c.Step = &step
	return c
}

// WithEnv returns a copy of c with the given environment.
func (c Command) WithEnv(env map[string]string) Command {
	c.Env = env
	return c
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Shell
	}
	s := c.Args[0]
	for _, a := range c.Args[1:] {
		s += " " + a
	}
	return s
}

// Runner runs commands. Executors are Runners; so are Bindings, which is how
// storages and repositories reach the active executor.
type Runner interface {
	// Command runs cmd to completion, appending its combined output to the
	// executor's log. A non-zero exit is an error.
	Command(ctx context.Context, cmd Command) error
}

// Teardown releases whatever a scoped acquisition obtained.
type Teardown func(ctx context.Context) error

// Nop is a Teardown that does nothing.
func Nop(context.Context) error { return nil }

// Executor is a place where commands run.
//
// Resources are scoped: Setup and Connect return a Teardown that the caller
// must invoke exactly once, on every exit path. Only one Connect scope may
// be open per Executor value.
type Executor interface {
	Runner

	// Setup provisions or identifies a target and returns an address that
	// Connect accepts, possibly from another process.
	Setup(ctx context.Context) (address string, teardown Teardown, err error)

	// Connect opens a session against address. Command fails with
	// ErrNotConnected outside the returned scope.
	Connect(ctx context.Context, address string) (disconnect Teardown, err error)

	// Logs yields previously captured log lines in order. With follow set
	// it keeps polling for new output until the tracked process exits or
	// ctx is done.
	Logs(ctx context.Context, follow bool) iter.Seq2[string, error]

	// Terminate forcibly ends the target. Backends that cannot do this
	// return ErrUnsupported.
	Terminate(ctx context.Context) error

	// Cleanup is a best-effort hook run after the session is closed.
	Cleanup(ctx context.Context) error
}

// Storage persists step artifacts and flat run metadata.
type Storage interface {
	// Setup prepares the storage for use through r. The returned Teardown
	// runs before the binding is cleared.
	Setup(ctx context.Context, r Runner) (Teardown, error)

	// Pull copies stored artifacts of step into its working directory.
	Pull(ctx context.Context, r Runner, step pipeline.Step) error

	// Push copies the step's working directory into storage.
	Push(ctx context.Context, r Runner, step pipeline.Step) error

	// GetMeta reads a metadata entry; absent keys yield ErrMetadataNotFound.
	GetMeta(ctx context.Context, key string) (string, error)

	// SetMeta writes a metadata entry.
	SetMeta(ctx context.Context, key, value string) error
}

// Repository performs a step's actual work.
type Repository interface {
	// Setup prepares the repository for use through r.
	Setup(ctx context.Context, r Runner) (Teardown, error)

	// Run executes step in its working directory. On success the directory
	// holds the step's output artifacts.
	Run(ctx context.Context, r Runner, step pipeline.Step) error
}

// Bindable is implemented by Storage and Repository.
type Bindable interface {
	Setup(ctx context.Context, r Runner) (Teardown, error)
}

// ExecutorDefaults supplies the default behaviour of the optional executor
// methods. Embed it in executors that have nothing to provision, clean up
// or terminate.
type ExecutorDefaults struct{}

// Setup yields the empty address and nothing to tear down.
func (ExecutorDefaults) Setup(context.Context) (string, Teardown, error) {
	return "", Nop, nil
}

// Cleanup does nothing.
func (ExecutorDefaults) Cleanup(context.Context) error {
	return nil
}

// Terminate is unsupported.
func (ExecutorDefaults) Terminate(context.Context) error {
	return Unsupported("terminate")
}

// NoSetup can be embedded by storages and repositories without setup work.
type NoSetup struct{}

// Setup does nothing.
func (NoSetup) Setup(context.Context, Runner) (Teardown, error) {
	return Nop, nil
}
