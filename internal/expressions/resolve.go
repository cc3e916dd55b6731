package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridian-run/meridian/pkg/model"
)

// IsExpression reports whether a string is a single ${ ... } runtime
// expression token.
func IsExpression(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") &&
		!strings.Contains(s[2:len(s)-1], "${")
}

// Strip removes the ${ } wrapper from an expression token.
func Strip(s string) string {
	s = strings.TrimSpace(s)
	return strings.TrimSpace(s[2 : len(s)-1])
}

// Normalize accepts an expression written either bare or as a single
// ${ ... } token and returns the bare form.
func Normalize(s string) string {
	if IsExpression(s) {
		return Strip(s)
	}
	return strings.TrimSpace(s)
}

// Resolve walks a template value (as found in set maps, call arguments, and
// emitted event data), evaluating every ${ ... } token with the given
// engine. A string that is exactly one token is replaced by the evaluated
// value, preserving its type; a string with embedded tokens is spliced
// textually. Maps and slices are resolved recursively.
func Resolve(ctx context.Context, engine Engine, v any, root any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(ctx, engine, val, root, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := Resolve(ctx, engine, item, root, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := Resolve(ctx, engine, item, root, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(ctx context.Context, engine Engine, s string, root any, vars map[string]any) (any, error) {
	if IsExpression(s) {
		return engine.Evaluate(ctx, Strip(s), root, vars)
	}
	if !strings.Contains(s, "${") {
		return s, nil
	}

	// Embedded tokens: splice evaluated values into the surrounding text.
	var b strings.Builder
	b.Grow(len(s))
	for {
		idx := strings.Index(s, "${")
		if idx == -1 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:idx])
		rest := s[idx+2:]
		end := strings.Index(rest, "}")
		if end == -1 {
			return nil, model.NewErrorf(model.ErrTypeExpression,
				"unclosed ${ expression in %q", s)
		}
		val, err := engine.Evaluate(ctx, strings.TrimSpace(rest[:end]), root, vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		s = rest[end+1:]
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
