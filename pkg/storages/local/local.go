// Package local stores step artifacts and metadata under a directory of the
// machine running the orchestrator.
//
// Artifacts are copied by the executor with cp, so the directory must also
// be reachable from the executor's filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/kballard/go-shellquote"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Params configures the local storage.
type Params struct {
	// BasePath is the root directory of the storage.
	BasePath string `json:"basepath" yaml:"basepath" validate:"required"`
}

// Storage keeps artifacts in <base>/<job>/<step> and each metadata entry in
// the file <base>/<key>.
type Storage struct {
	base string
	fs   billy.Filesystem
}

var _ engine.Storage = (*Storage)(nil)

// New creates a local storage rooted at params.BasePath.
func New(params Params) (*Storage, error) {
	base, err := filepath.Abs(params.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	return &Storage{base: base, fs: osfs.New(base)}, nil
}

// Base returns the absolute root directory.
func (s *Storage) Base() string {
	return s.base
}

// StepPath returns the artifact directory of step.
func (s *Storage) StepPath(step pipeline.Step) string {
	return filepath.Join(s.base, step.JobID, step.ID)
}

// Setup creates the root directory. The teardown copies the executor's log
// into it.
func (s *Storage) Setup(_ context.Context, r engine.Runner) (engine.Teardown, error) {
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return func(ctx context.Context) error {
		dst := shellquote.Join(s.base + "/")
		return r.Command(ctx, engine.Shell("if [ -f __log__ ]; then cp __log__ "+dst+"; fi"))
	}, nil
}

// Pull copies the stored artifacts of step into its working directory.
func (s *Storage) Pull(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	return r.Command(ctx, engine.Exec("cp", "-a", s.StepPath(step)+"/.", ".").In(step))
}

// Push copies the working directory of step into storage.
func (s *Storage) Push(ctx context.Context, r engine.Runner, step pipeline.Step) error {
	dst := s.StepPath(step)
	if err := r.Command(ctx, engine.Exec("mkdir", "-p", dst).In(step)); err != nil {
		return err
	}
	return r.Command(ctx, engine.Exec("cp", "-a", "./.", dst+"/").In(step))
}

// GetMeta reads the metadata file for key.
func (s *Storage) GetMeta(_ context.Context, key string) (string, error) {
	data, err := util.ReadFile(s.fs, key)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", engine.ErrMetadataNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("read metadata %s: %w", key, err)
	}
	return string(data), nil
}

// SetMeta writes the metadata file for key.
func (s *Storage) SetMeta(_ context.Context, key, value string) error {
	if err := s.fs.MkdirAll(path.Dir(key), 0o755); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	if err := util.WriteFile(s.fs, key, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}
