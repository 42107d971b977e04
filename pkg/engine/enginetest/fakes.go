// Package enginetest provides in-memory capabilities for testing code that
// drives an engine.Orchestrator.
package enginetest

import (
	"context"
	"iter"
	"maps"
	"sync"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Journal records lifecycle events from several fakes in order.
type Journal struct {
	mu     sync.Mutex
	events []string
}

// Add appends an event.
func (j *Journal) Add(event string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.events = append(j.events, event)
	j.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (j *Journal) Events() []string {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

// Executor is an in-memory engine.Executor. Commands are recorded and
// echoed into the log instead of being run.
type Executor struct {
	Journal *Journal

	// Address is returned by Setup.
	Address string

	// SetupErr, ConnectErr, CleanupErr and TerminateErr are returned by the
	// corresponding methods when set.
	SetupErr     error
	ConnectErr   error
	CleanupErr   error
	TerminateErr error

	// CommandErr, when set, decides the result of each command.
	CommandErr func(cmd engine.Command) error

	mu         sync.Mutex
	connected  string
	commands   []engine.Command
	logs       []string
	terminated bool
}

// NewExecutor returns an Executor that reports address from Setup.
func NewExecutor(address string, journal *Journal) *Executor {
	return &Executor{Address: address, Journal: journal}
}

// Setup implements engine.Executor.
func (e *Executor) Setup(context.Context) (string, engine.Teardown, error) {
	if e.SetupErr != nil {
		return "", nil, e.SetupErr
	}
	e.Journal.Add("executor setup")
	return e.Address, func(context.Context) error {
		e.Journal.Add("executor teardown")
		return nil
	}, nil
}

// Connect implements engine.Executor.
func (e *Executor) Connect(_ context.Context, address string) (engine.Teardown, error) {
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	e.mu.Lock()
	e.connected = address
	e.mu.Unlock()
	e.Journal.Add("connect " + address)

	return func(context.Context) error {
		e.mu.Lock()
		e.connected = ""
		e.mu.Unlock()
		e.Journal.Add("disconnect")
		return nil
	}, nil
}

// Command implements engine.Runner.
func (e *Executor) Command(_ context.Context, cmd engine.Command) error {
	e.mu.Lock()
	connected := e.connected != ""
	e.mu.Unlock()
	if !connected {
		return engine.ErrNotConnected
	}

	if e.CommandErr != nil {
		if err := e.CommandErr(cmd); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.logs = append(e.logs, cmd.String())
	e.mu.Unlock()
	return nil
}

// Logs implements engine.Executor. Follow has no effect.
func (e *Executor) Logs(context.Context, bool) iter.Seq2[string, error] {
	e.mu.Lock()
	lines := append([]string(nil), e.logs...)
	e.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, line := range lines {
			if !yield(line, nil) {
				return
			}
		}
	}
}

// Terminate implements engine.Executor.
func (e *Executor) Terminate(context.Context) error {
	if e.TerminateErr != nil {
		return e.TerminateErr
	}
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
	return nil
}

// Cleanup implements engine.Executor.
func (e *Executor) Cleanup(context.Context) error {
	e.Journal.Add("cleanup")
	return e.CleanupErr
}

// Commands returns the commands run so far.
func (e *Executor) Commands() []engine.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Command(nil), e.commands...)
}

// Terminated reports whether Terminate succeeded.
func (e *Executor) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// Storage is an in-memory engine.Storage.
type Storage struct {
	Journal *Journal

	// PushErr and PullErr are returned by Push and Pull when set.
	PushErr error
	PullErr error

	// GetMetaErr is returned by GetMeta for every key when set.
	GetMetaErr error

	mu     sync.Mutex
	meta   map[string]string
	pushed []string
	pulled []string
}

// NewStorage returns an empty Storage.
func NewStorage(journal *Journal) *Storage {
	return &Storage{Journal: journal, meta: make(map[string]string)}
}

// Setup implements engine.Storage.
func (s *Storage) Setup(context.Context, engine.Runner) (engine.Teardown, error) {
	s.Journal.Add("storage setup")
	return func(context.Context) error {
		s.Journal.Add("storage teardown")
		return nil
	}, nil
}

// Pull implements engine.Storage.
func (s *Storage) Pull(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	if s.PullErr != nil {
		return s.PullErr
	}
	if err := r.Command(ctx, engine.Exec("pull", step.Workdir()).In(step)); err != nil {
		return err
	}
	s.mu.Lock()
	s.pulled = append(s.pulled, step.ID)
	s.mu.Unlock()
	return nil
}

// Push implements engine.Storage.
func (s *Storage) Push(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	if s.PushErr != nil {
		return s.PushErr
	}
	if err := r.Command(ctx, engine.Exec("push", step.Workdir()).In(step)); err != nil {
		return err
	}
	s.mu.Lock()
	s.pushed = append(s.pushed, step.ID)
	s.mu.Unlock()
	return nil
}

// GetMeta implements engine.Storage.
func (s *Storage) GetMeta(_ context.Context, key string) (string, error) {
	if s.GetMetaErr != nil {
		return "", s.GetMetaErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	if !ok {
		return "", engine.ErrMetadataNotFound
	}
	return v, nil
}

// SetMeta implements engine.Storage.
func (s *Storage) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.meta[key] = value
	s.mu.Unlock()
	return nil
}

// Meta returns a copy of all metadata.
func (s *Storage) Meta() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.meta)
}

// Pushed returns the ids of pushed steps in order.
func (s *Storage) Pushed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pushed...)
}

// Pulled returns the ids of pulled steps in order.
func (s *Storage) Pulled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pulled...)
}

// Repository is an engine.Repository that runs each step's formatted
// command as a shell command.
type Repository struct {
	Journal *Journal

	// RunErr maps step ids to the error Run returns for them.
	RunErr map[string]error

	mu  sync.Mutex
	ran []string
}

// NewRepository returns a Repository.
func NewRepository(journal *Journal) *Repository {
	return &Repository{Journal: journal}
}

// Setup implements engine.Repository.
func (r *Repository) Setup(context.Context, engine.Runner) (engine.Teardown, error) {
	r.Journal.Add("repository setup")
	return func(context.Context) error {
		r.Journal.Add("repository teardown")
		return nil
	}, nil
}

// Run implements engine.Repository.
func (r *Repository) Run(ctx context.Context, runner engine.Runner, step pipeline.Step) error {
	if err := r.RunErr[step.ID]; err != nil {
		return err
	}
	line, err := step.FormatCommand()
	if err != nil {
		return err
	}
	if err := runner.Command(ctx, engine.Shell(line).In(step)); err != nil {
		return err
	}
	r.mu.Lock()
	r.ran = append(r.ran, step.ID)
	r.mu.Unlock()
	return nil
}

// Ran returns the ids of steps run in order.
func (r *Repository) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}
