package expressions

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/meridian-run/meridian/pkg/model"
)

// CELEngine implements Engine using Google's Common Expression Language,
// selectable for switch guards and retry/catch predicates. Thread-safe:
// compiled programs are cached keyed by expression and binding-name set.
type CELEngine struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL expression engine.
func NewCELEngine() *CELEngine {
	return &CELEngine{cache: make(map[string]cel.Program)}
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it. The root value is exposed as `root`; bindings are exposed as top-level
// identifiers (context, input, output, error, ...).
func (e *CELEngine) Evaluate(ctx context.Context, expression string, root any, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, model.NewError(model.ErrTypeExpression, "empty CEL expression")
	}

	names := varNames(vars)
	prg, err := e.getOrCompile(expression, names)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(vars)+1)
	activation["root"] = normalizeJSON(root)
	for name, v := range vars {
		activation[name] = normalizeJSON(v)
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}

	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one. The environment declares `root` plus every binding name as dyn.
func (e *CELEngine) getOrCompile(expression string, names []string) (cel.Program, error) {
	key := cacheKey(expression, names)

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	opts := []cel.EnvOption{cel.Variable("root", cel.DynType)}
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"create CEL environment: %s", err.Error()).WithCause(err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"CEL program error for %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[key] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
