// Package backends turns backend entries of a run definition into
// executors, storages and repositories.
package backends

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/engine"
)

// ErrUnknownKind is returned for a kind with no registered constructor.
var ErrUnknownKind = errors.New("unknown backend kind")

// Factory builds a backend from its JSON parameters.
type Factory[T any] func(params json.RawMessage) (T, error)

var validate = validator.New()

// Typed adapts a constructor taking a parameter struct into a Factory.
// Parameters are decoded strictly and checked against their validate tags.
func Typed[P, T any](build func(P) (T, error)) Factory[T] {
	return func(raw json.RawMessage) (T, error) {
		var zero T
		params, err := Decode[P](raw)
		if err != nil {
			return zero, err
		}
		return build(params)
	}
}

// Decode decodes and validates a parameter struct.
func Decode[P any](raw json.RawMessage) (P, error) {
	var params P
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&params); err != nil {
			return params, fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if err := validate.Struct(params); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return params, nil
		}
		return params, fmt.Errorf("invalid parameters: %w", err)
	}
	return params, nil
}

// Registry maps kinds to constructors for each capability.
type Registry struct {
	mu           sync.RWMutex
	executors    map[string]Factory[engine.Executor]
	storages     map[string]Factory[engine.Storage]
	repositories map[string]Factory[engine.Repository]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors:    make(map[string]Factory[engine.Executor]),
		storages:     make(map[string]Factory[engine.Storage]),
		repositories: make(map[string]Factory[engine.Repository]),
	}
}

// RegisterExecutor registers an executor kind, replacing any previous one.
func (r *Registry) RegisterExecutor(kind string, f Factory[engine.Executor]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = f
}

// RegisterStorage registers a storage kind, replacing any previous one.
func (r *Registry) RegisterStorage(kind string, f Factory[engine.Storage]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[kind] = f
}

// RegisterRepository registers a repository kind, replacing any previous one.
func (r *Registry) RegisterRepository(kind string, f Factory[engine.Repository]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repositories[kind] = f
}

// Executor builds the executor described by spec.
func (r *Registry) Executor(spec config.BackendSpec) (engine.Executor, error) {
	r.mu.RLock()
	f, ok := r.executors[spec.Kind]
	r.mu.RUnlock()
	return build("executor", spec, f, ok)
}

// Storage builds the storage described by spec.
func (r *Registry) Storage(spec config.BackendSpec) (engine.Storage, error) {
	r.mu.RLock()
	f, ok := r.storages[spec.Kind]
	r.mu.RUnlock()
	return build("storage", spec, f, ok)
}

// Repository builds the repository described by spec.
func (r *Registry) Repository(spec config.BackendSpec) (engine.Repository, error) {
	r.mu.RLock()
	f, ok := r.repositories[spec.Kind]
	r.mu.RUnlock()
	return build("repository", spec, f, ok)
}

func build[T any](role string, spec config.BackendSpec, f Factory[T], ok bool) (T, error) {
	var zero T
	if !ok {
		return zero, fmt.Errorf("%s: %w %q", role, ErrUnknownKind, spec.Kind)
	}
	v, err := f(spec.Params)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", role, spec.Kind, err)
	}
	return v, nil
}

// Kinds lists the registered kinds of each capability, sorted.
func (r *Registry) Kinds() (executors, storages, repositories []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.executors), keys(r.storages), keys(r.repositories)
}

func keys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set is the three backends of one run.
type Set struct {
	Executor   engine.Executor
	Storage    engine.Storage
	Repository engine.Repository
}

// Build constructs every backend of def. Nothing is contacted.
func (r *Registry) Build(def *config.Definition) (*Set, error) {
	executor, err := r.Executor(def.Executor)
	if err != nil {
		return nil, err
	}
	storage, err := r.Storage(def.Storage)
	if err != nil {
		return nil, err
	}
	repository, err := r.Repository(def.Repository)
	if err != nil {
		return nil, err
	}
	return &Set{Executor: executor, Storage: storage, Repository: repository}, nil
}
