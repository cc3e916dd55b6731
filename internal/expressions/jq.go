package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/meridian-run/meridian/pkg/model"
)

// JQEngine implements Engine using gojq. It is the default dialect for
// from/as/export transforms. Thread-safe: compiled *gojq.Code objects are
// cached keyed by expression text and binding-name set.
type JQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEngine creates a new jq expression engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{cache: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *JQEngine) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq expression and runs it
// with root as the input value. Bindings become jq variables ($context,
// $input, ...). Multiple jq outputs collapse to a slice; a single output
// is returned directly.
func (e *JQEngine) Evaluate(ctx context.Context, expression string, root any, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, model.NewError(model.ErrTypeExpression, "empty jq expression")
	}

	names := varNames(vars)
	code, err := e.getOrCompile(expression, names)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(names))
	for i, name := range names {
		values[i] = normalizeJSON(vars[name])
	}

	iter := code.RunWithContext(ctx, normalizeJSON(root), values...)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if evalErr, isErr := val.(error); isErr {
			return nil, model.NewErrorf(model.ErrTypeExpression,
				"jq evaluation failed for %q: %s", expression, evalErr.Error()).
				WithCause(evalErr)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *JQEngine) getOrCompile(expression string, names []string) (*gojq.Code, error) {
	key := cacheKey(expression, names)

	e.mu.RLock()
	if code, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[key]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}

	jqVars := make([]string, len(names))
	for i, name := range names {
		jqVars[i] = "$" + name
	}

	code, err := gojq.Compile(query,
		gojq.WithVariables(jqVars),
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, model.NewErrorf(model.ErrTypeExpression,
			"jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}

	e.cache[key] = code
	return code, nil
}

// normalizeJSON converts Go native values to jq-compatible types: all
// integer kinds become int, map/slice contents are normalized recursively.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*JQEngine)(nil)
