package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkTimeout bounds the evaluation of a Starlark config file.
var StarlarkTimeout = 30 * time.Second

// ParseStarlark executes a Starlark config file. Every global whose name
// does not start with "_" becomes a top-level key of the document; function
// values are skipped so scripts can define helpers.
//
// Scripts may call env(name, default="") to read the environment and
// struct(...) to build nested objects.
func ParseStarlark(ctx context.Context, data []byte, filename string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, StarlarkTimeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "config",
		Print: func(*starlark.Thread, string) {},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"env":    starlark.NewBuiltin("env", builtinEnv),
	}

	globals, err := starlark.ExecFile(thread, filename, data, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("starlark: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("starlark: %w", err)
	}

	doc := make(Document, len(globals))
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := v.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("starlark: global %s: %w", name, err)
		}
		doc[name] = goVal
	}
	return doc, nil
}

func builtinEnv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

// fromStarlark converts a Starlark value into the shapes produced by the
// YAML decoder.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.List:
		return fromIterable(x, x.Len())
	case starlark.Tuple:
		return fromIterable(x, x.Len())
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = val
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]any)
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			val, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", v.Type())
	}
}

func fromIterable(it starlark.Iterable, n int) ([]any, error) {
	out := make([]any, 0, n)
	iter := it.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		val, err := fromStarlark(item)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}
