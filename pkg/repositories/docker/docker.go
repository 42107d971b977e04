// Package docker runs each step in a container whose image is named by the
// stage command.
//
// Recognised step configuration:
//
//	tag          image tag
//	workspace    container path where the step directory is mounted
//	env          map of environment variables; an empty value passes the
//	             variable through from the executor
//	docker_args  extra "docker run" arguments, as a list or a string
//	command      command line run in the container
package docker

import (
	"context"
	"fmt"
	"sort"

	"github.com/kballard/go-shellquote"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Params configures the docker repository.
type Params struct {
	// URL is a registry prefix prepended to every image name.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Repository pulls and runs one image per step.
type Repository struct {
	engine.NoSetup
	params Params
}

var _ engine.Repository = (*Repository)(nil)

// New creates a docker repository.
func New(params Params) *Repository {
	return &Repository{params: params}
}

// Image returns the image reference of step.
func (r *Repository) Image(step pipeline.Step) string {
	image := step.Command
	if r.params.URL != "" {
		image = r.params.URL + "/" + image
	}
	if tag, ok := step.Config["tag"]; ok {
		image += ":" + pipeline.ValueText(tag)
	}
	return image
}

// Run pulls the step's image and runs it with the step directory as the
// current directory.
func (r *Repository) Run(ctx context.Context, runner engine.Runner, step pipeline.Step) error {
	image := r.Image(step)
	if err := runner.Command(ctx, engine.Exec("docker", "pull", image).In(step)); err != nil {
		return err
	}

	line, err := r.RunLine(step)
	if err != nil {
		return err
	}
	return runner.Command(ctx, engine.Shell(line).In(step))
}

// RunLine renders the "docker run" command line of step.
func (r *Repository) RunLine(step pipeline.Step) (string, error) {
	args := []string{"docker", "run", "--rm"}
	line := ""

	if ws, ok := step.Config["workspace"]; ok {
		// $PWD must expand, so this argument is quoted by hand.
		line = ` -v "$PWD":` + shellquote.Join(pipeline.ValueText(ws))
	}

	var opts []string
	env, err := envArgs(step.Config["env"])
	if err != nil {
		return "", err
	}
	opts = append(opts, env...)

	extra, err := listArgs("docker_args", step.Config["docker_args"])
	if err != nil {
		return "", err
	}
	opts = append(opts, extra...)
	opts = append(opts, r.Image(step))

	if c, ok := step.Config["command"]; ok {
		words, err := shellquote.Split(pipeline.ValueText(c))
		if err != nil {
			return "", fmt.Errorf("parse command of %s: %w", step.ID, err)
		}
		opts = append(opts, words...)
	}

	return shellquote.Join(args...) + line + " " + shellquote.Join(opts...), nil
}

func envArgs(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	env, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("env must be a mapping, got %T", v)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		val := env[k]
		if val == nil || val == "" || val == false {
			args = append(args, "-e", k)
			continue
		}
		args = append(args, "-e", k+"="+pipeline.ValueText(val))
	}
	return args, nil
}

func listArgs(name string, v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		words, err := shellquote.Split(x)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return words, nil
	case []any:
		args := make([]string, 0, len(x))
		for _, a := range x {
			args = append(args, pipeline.ValueText(a))
		}
		return args, nil
	case []string:
		return x, nil
	default:
		return nil, fmt.Errorf("%s must be a list or a string, got %T", name, v)
	}
}
