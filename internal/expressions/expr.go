package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/meridian-run/meridian/pkg/model"
)

// ExprEngine implements Engine using expr-lang/expr for complex
// deterministic logic (array operations, nil coalescing, optional chaining,
// pipe chaining). Thread-safe: compiled *vm.Program objects are cached.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and runs it.
// The root value is exposed as `root`; bindings are top-level identifiers.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, root any, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, model.NewError(model.ErrTypeExpression, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(vars)+1)
	env["root"] = normalizeJSON(root)
	for name, v := range vars {
		env[name] = normalizeJSON(v)
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one. Undefined variables are allowed so binding sets can vary.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"expr compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
