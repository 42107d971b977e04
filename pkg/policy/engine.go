package policy

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Rule names queried in every policy package.
const (
	DenyRule = "deny"
	WarnRule = "warn"
)

// Engine evaluates Rego policies against run definitions.
type Engine struct {
	policies []compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is one Rego package with its prepared queries.
type compiledPolicy struct {
	policy Policy
	deny   rego.PreparedEvalQuery
	warn   rego.PreparedEvalQuery
}

// Load reads and compiles the policies found at paths.
func Load(ctx context.Context, paths []string, logger zerolog.Logger) (*Engine, error) {
	sources, err := readSources(paths)
	if err != nil {
		return nil, err
	}
	return compile(ctx, sources, logger)
}

// Compile builds an engine from in-memory modules keyed by file name.
func Compile(ctx context.Context, modules map[string]string, logger zerolog.Logger) (*Engine, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)

	sources := make([]source, 0, len(names))
	for _, name := range names {
		sources = append(sources, source{path: name, data: []byte(modules[name])})
	}
	return compile(ctx, sources, logger)
}

func compile(ctx context.Context, sources []source, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("component", "policy").Logger()}

	// Modules sharing a package are evaluated together.
	var order []string
	packages := make(map[string][]*ast.Module)
	files := make(map[string][]string)
	for _, src := range sources {
		mod, err := ast.ParseModule(src.path, string(src.data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", src.path, err)
		}
		pkg := mod.Package.Path.String()
		if _, ok := packages[pkg]; !ok {
			order = append(order, pkg)
		}
		packages[pkg] = append(packages[pkg], mod)
		files[pkg] = append(files[pkg], src.path)
	}

	for _, pkg := range order {
		cp := compiledPolicy{
			policy: Policy{
				Name:    strings.TrimPrefix(pkg, "data."),
				Package: pkg,
				Sources: files[pkg],
			},
		}

		var err error
		if cp.deny, err = prepare(ctx, packages[pkg], pkg+"."+DenyRule); err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", cp.policy.Name, err)
		}
		if cp.warn, err = prepare(ctx, packages[pkg], pkg+"."+WarnRule); err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", cp.policy.Name, err)
		}
		e.policies = append(e.policies, cp)
	}

	e.logger.Debug().Int("policies", len(e.policies)).Int("modules", len(sources)).Msg("Policies compiled")
	return e, nil
}

func prepare(ctx context.Context, modules []*ast.Module, query string) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){rego.Query(query)}
	for _, mod := range modules {
		opts = append(opts, rego.ParsedModule(mod))
	}
	return rego.New(opts...).PrepareForEval(ctx)
}

// Policies lists the compiled policy packages.
func (e *Engine) Policies() []Policy {
	out := make([]Policy, len(e.policies))
	for i, cp := range e.policies {
		out[i] = cp.policy
	}
	return out
}

// Evaluate runs every policy against input. Errors come first in the
// result, then warnings; each group is ordered by policy and message.
func (e *Engine) Evaluate(ctx context.Context, input Input) ([]Violation, error) {
	var violations []Violation
	for _, cp := range e.policies {
		for _, q := range []struct {
			query    rego.PreparedEvalQuery
			severity Severity
		}{
			{cp.deny, SeverityError},
			{cp.warn, SeverityWarning},
		} {
			rs, err := q.query.Eval(ctx, rego.EvalInput(input))
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", cp.policy.Name, err)
			}
			for _, result := range rs {
				for _, expr := range result.Expressions {
					violations = append(violations, collect(cp.policy.Name, q.severity, expr.Value)...)
				}
			}
		}
	}

	slices.SortStableFunc(violations, func(a, b Violation) int {
		if a.Severity != b.Severity {
			if a.Severity == SeverityError {
				return -1
			}
			return 1
		}
		return cmp.Or(cmp.Compare(a.Policy, b.Policy), cmp.Compare(a.Message, b.Message))
	})

	for _, v := range violations {
		e.logger.Debug().
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("step", v.Step).
			Msg(v.Message)
	}
	return violations, nil
}

// collect turns a deny or warn rule value into violations. Rules may yield
// plain messages or objects with "msg" and an optional "step".
func collect(policy string, severity Severity, value any) []Violation {
	var items []any
	switch x := value.(type) {
	case []any:
		items = x
	case nil:
		return nil
	default:
		items = []any{x}
	}

	out := make([]Violation, 0, len(items))
	for _, item := range items {
		v := Violation{Policy: policy, Severity: severity}
		switch x := item.(type) {
		case string:
			v.Message = x
		case map[string]any:
			msg, ok := x["msg"]
			if !ok {
				msg = x["message"]
			}
			v.Message = fmt.Sprint(msg)
			if step, ok := x["step"].(string); ok {
				v.Step = step
			}
		default:
			v.Message = fmt.Sprint(x)
		}
		out = append(out, v)
	}
	return out
}
