package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is one decoded configuration object.
type Document map[string]any

// Source is a document together with where it came from.
type Source struct {
	Name     string
	Document Document
}

// ReadFile decodes the document at path by extension: .yaml and .yml are
// YAML, .cue is CUE, .star and .starlark are Starlark scripts and anything
// else is JSON.
func ReadFile(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err = ParseYAML(data)
	case ".cue":
		doc, err = ParseCUE(data, path)
	case ".star", ".starlark":
		doc, err = ParseStarlark(context.Background(), data, path)
	default:
		doc, err = ParseJSON(data)
	}
	if err != nil {
		return Source{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return Source{Name: path, Document: doc}, nil
}

// ParseJSON decodes a JSON object. Numbers are kept as json.Number.
func ParseJSON(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after the top-level object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top level must be an object, got %s", typeName(v))
	}
	return Document(obj), nil
}

// ParseYAML decodes a YAML mapping. Numbers keep their literal text as
// json.Number, like in JSON documents, so a job hashes the same in both
// formats.
func ParseYAML(data []byte) (Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	v, err := fromYAML(&root)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top level must be a mapping, got %s", typeName(v))
	}
	return Document(obj), nil
}

// fromYAML converts a node tree into JSON-shaped values. Mapping keys are
// stringified.
func fromYAML(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromYAML(n.Content[0])
	case yaml.AliasNode:
		return fromYAML(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromYAML(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		var merged []map[string]any
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			v, err := fromYAML(val)
			if err != nil {
				return nil, err
			}
			if k.ShortTag() == "!!merge" {
				switch m := v.(type) {
				case map[string]any:
					merged = append(merged, m)
				case []any:
					for _, e := range m {
						if em, ok := e.(map[string]any); ok {
							merged = append(merged, em)
						}
					}
				}
				continue
			}
			out[k.Value] = v
		}
		// Explicit keys win over merged ones; earlier merges win over later.
		for _, m := range merged {
			for k, v := range m {
				if _, ok := out[k]; !ok {
					out[k] = v
				}
			}
		}
		return out, nil
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!int", "!!float":
			if json.Valid([]byte(n.Value)) {
				return json.Number(n.Value), nil
			}
		}
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		if i, ok := v.(int); ok {
			// 0x10, 0o17 and 1_000 in decimal.
			return json.Number(strconv.Itoa(i)), nil
		}
		return v, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
	}
}

// Load reads every file, then every inline JSON document, and merges them
// in that order.
func Load(files, inline []string) (Document, error) {
	sources := make([]Source, 0, len(files)+len(inline))
	for _, path := range files {
		src, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	for i, text := range inline {
		doc, err := ParseJSON([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("failed to parse inline config #%d: %w", i+1, err)
		}
		sources = append(sources, Source{Name: "inline #" + strconv.Itoa(i+1), Document: doc})
	}
	return Merge(sources...)
}

// Merge combines documents at the top level. A key defined by more than one
// document fails with ErrDuplicateKey.
func Merge(sources ...Source) (Document, error) {
	merged := make(Document)
	origin := make(map[string]string)

	for _, src := range sources {
		keys := make([]string, 0, len(src.Document))
		for k := range src.Document {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var dupes []string
		for _, k := range keys {
			if _, ok := merged[k]; ok {
				dupes = append(dupes, fmt.Sprintf("%s (also in %s)", k, origin[k]))
			}
		}
		if len(dupes) > 0 {
			return nil, &ValidationError{
				Source:  src.Name,
				Message: "keys defined twice: " + strings.Join(dupes, ", "),
				Err:     ErrDuplicateKey,
			}
		}

		for _, k := range keys {
			merged[k] = src.Document[k]
			origin[k] = src.Name
		}
	}
	return merged, nil
}

// Indent renders the document as JSON with two-space indentation.
func (d Document) Indent() ([]byte, error) {
	return json.MarshalIndent(map[string]any(d), "", "  ")
}

// YAML renders the document as YAML. JSON numbers become YAML numbers.
func (d Document) YAML() ([]byte, error) {
	return yaml.Marshal(plain(map[string]any(d)))
}

func plain(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "a list"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number, int, float64:
		return "a number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
