package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aeolus-run/aeolus/pkg/pipeline"
)

// Top-level keys.
const (
	KeyExecutor   = "executor"
	KeyStorage    = "storage"
	KeyRepository = "repository"
	KeyStages     = "stages"
	KeyConfig     = "config"

	// KeyJobID is the key inside the config object naming the job.
	KeyJobID = "__id__"

	// KeyKind selects the implementation of a backend entry.
	KeyKind = "kind"

	// KeyClass is the legacy spelling of KeyKind, a dotted class path.
	KeyClass = "__class__"
)

// BackendSpec is one backend entry split into its kind and parameters.
type BackendSpec struct {
	Kind   string
	Params json.RawMessage
}

// Definition is a fully parsed run definition.
type Definition struct {
	Executor   BackendSpec
	Storage    BackendSpec
	Repository BackendSpec
	Job        *pipeline.Job
}

// Parse extracts the backends and the job from a merged document.
// Nothing is constructed or contacted; errors surface before any run.
func Parse(doc Document) (*Definition, error) {
	job, err := ParseJob(doc)
	if err != nil {
		return nil, err
	}

	def := &Definition{Job: job}
	for _, b := range []struct {
		key  string
		spec *BackendSpec
	}{
		{KeyExecutor, &def.Executor},
		{KeyStorage, &def.Storage},
		{KeyRepository, &def.Repository},
	} {
		raw, ok := doc[b.key]
		if !ok {
			return nil, missing(b.key)
		}
		spec, err := ParseBackend(b.key, raw)
		if err != nil {
			return nil, err
		}
		*b.spec = spec
	}
	return def, nil
}

// ParseJob builds the job from the "stages" and "config" keys.
func ParseJob(doc Document) (*pipeline.Job, error) {
	rawStages, ok := doc[KeyStages]
	if !ok {
		return nil, missing(KeyStages)
	}
	rawConfig, ok := doc[KeyConfig]
	if !ok {
		return nil, missing(KeyConfig)
	}

	task, err := parseTask(rawStages)
	if err != nil {
		return nil, err
	}

	cfg, ok := rawConfig.(map[string]any)
	if !ok {
		return nil, invalid(KeyConfig, "must be an object, got %s", typeName(rawConfig))
	}
	rawID, ok := cfg[KeyJobID]
	if !ok {
		return nil, missing(KeyConfig + "." + KeyJobID)
	}
	id, err := scalarText(rawID)
	if err != nil || id == "" {
		return nil, invalid(KeyConfig+"."+KeyJobID, "must be a non-empty string or number")
	}

	stageConfig := make(map[string]pipeline.StageConfig)
	for key, v := range cfg {
		if key == KeyJobID {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalid(KeyConfig+"."+key, "must be an object, got %s", typeName(v))
		}
		stageConfig[key] = m
	}

	return pipeline.NewJob(task, id, stageConfig), nil
}

func parseTask(raw any) (*pipeline.Task, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, invalid(KeyStages, "must be a list, got %s", typeName(raw))
	}

	stages := make([]pipeline.Stage, 0, len(list))
	for i, item := range list {
		path := KeyStages + "." + strconv.Itoa(i)
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(path, "must be an object, got %s", typeName(item))
		}
		for key := range entry {
			if key != "id" && key != "command" {
				return nil, invalid(path, "unknown key %q", key)
			}
		}
		id, ok := entry["id"].(string)
		if !ok {
			return nil, invalid(path+".id", "must be a string")
		}
		command, ok := entry["command"].(string)
		if !ok {
			return nil, invalid(path+".command", "must be a string")
		}

		stage, err := pipeline.NewStage(id, command)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		stages = append(stages, stage)
	}

	task, err := pipeline.NewTask(stages...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyStages, err)
	}
	return task, nil
}

// ParseBackend splits a backend entry into its kind and the JSON encoding of
// its remaining keys.
func ParseBackend(name string, raw any) (BackendSpec, error) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return BackendSpec{}, invalid(name, "must be an object, got %s", typeName(raw))
	}

	params := make(map[string]any, len(entry))
	var kind string
	for k, v := range entry {
		switch k {
		case KeyKind:
			s, ok := v.(string)
			if !ok || s == "" {
				return BackendSpec{}, invalid(name+"."+KeyKind, "must be a non-empty string")
			}
			kind = s
		case KeyClass:
			s, ok := v.(string)
			if !ok || s == "" {
				return BackendSpec{}, invalid(name+"."+KeyClass, "must be a non-empty string")
			}
			if kind == "" {
				kind = KindFromClass(s)
			}
		default:
			params[k] = v
		}
	}
	if kind == "" {
		return BackendSpec{}, missing(name + "." + KeyKind)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return BackendSpec{}, invalid(name, "cannot encode parameters: %v", err)
	}
	return BackendSpec{Kind: kind, Params: data}, nil
}

// KindFromClass maps a dotted class path such as "aeolus.executor.ssh.SSH"
// to the kind "ssh".
func KindFromClass(class string) string {
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		class = class[i+1:]
	}
	return strings.ToLower(class)
}

func scalarText(v any) (string, error) {
	switch x := v.(type) {
	case string, json.Number, int, float64:
		return pipeline.ValueText(x), nil
	default:
		return "", fmt.Errorf("not a scalar: %s", typeName(v))
	}
}
