package expressions

import (
	"context"
	"sort"
	"strings"

	"github.com/meridian-run/meridian/pkg/model"
)

// Engine evaluates runtime expressions against a root value and a set of
// named bindings. Implementations: jq (transforms, the default dialect),
// CEL and Expr (predicates and logic).
//
// Binding names are bare ("context", "input", "output", "error", "secrets",
// "workflow", "task", loop variables); the jq engine exposes them as
// $-prefixed variables, CEL and Expr as top-level identifiers.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, root any, vars map[string]any) (any, error)
}

// Well-known binding names.
const (
	VarContext  = "context"
	VarInput    = "input"
	VarOutput   = "output"
	VarError    = "error"
	VarSecrets  = "secrets"
	VarWorkflow = "workflow"
	VarTask     = "task"
)

// New returns the engine for a dialect name. The empty dialect selects jq.
func New(language string) (Engine, error) {
	switch language {
	case "", "jq":
		return NewJQEngine(), nil
	case "cel":
		return NewCELEngine(), nil
	case "expr":
		return NewExprEngine(), nil
	default:
		return nil, model.NewErrorf(model.ErrTypeConfiguration,
			"unknown expression language %q (supported: jq, cel, expr)", language)
	}
}

// Truthy applies jq-style truthiness to an evaluation result: false and
// null are falsy, everything else is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

// varNames returns the sorted binding names, used as part of compile cache
// keys so the same expression text with different binding sets compiles
// separately.
func varNames(vars map[string]any) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cacheKey(expression string, names []string) string {
	return expression + "\x00" + strings.Join(names, ",")
}
