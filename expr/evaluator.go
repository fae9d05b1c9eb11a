package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// expression marker: "${ <jq program> }".
const (
	markerPrefix = "${"
	markerSuffix = "}"
)

// IsMarked reports whether the string carries the expression marker.
func IsMarked(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, markerPrefix) && strings.HasSuffix(trimmed, markerSuffix)
}

// Unmark strips the expression marker, returning the bare jq source. A
// string without the marker is returned trimmed, so fields that are always
// expressions accept the bare form as well.
func Unmark(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, markerPrefix) && strings.HasSuffix(trimmed, markerSuffix) {
		return strings.TrimSpace(trimmed[len(markerPrefix) : len(trimmed)-len(markerSuffix)])
	}
	return trimmed
}

// Evaluator compiles and runs jq programs. Compiled programs are cached by
// (source, scope variable names); the cache is safe for concurrent use.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*gojq.Code
}

// NewEvaluator returns an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*gojq.Code)}
}

// Eval runs the jq program (bare source, no marker) against input with the
// scope bound as $variables. Expressions must produce exactly one value.
func (e *Evaluator) Eval(src string, input any, scope *Scope) (any, error) {
	if scope == nil {
		scope = NewScope()
	}
	names := scope.names()
	code, err := e.compile(src, names)
	if err != nil {
		return nil, err
	}
	iter := code.Run(normalize(input), scope.values(names)...)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("expression %q produced no result", src)
	}
	if evalErr, isErr := v.(error); isErr {
		return nil, fmt.Errorf("expression %q: %w", src, evalErr)
	}
	if _, more := iter.Next(); more {
		return nil, fmt.Errorf("expression %q produced multiple results", src)
	}
	return v, nil
}

// EvalExpr strips the marker if present and evaluates. For fields that are
// always expressions (if, while, when, for.in).
func (e *Evaluator) EvalExpr(src string, input any, scope *Scope) (any, error) {
	return e.Eval(Unmark(src), input, scope)
}

// EvalBool evaluates with jq truthiness: false and null are false,
// everything else is true.
func (e *Evaluator) EvalBool(src string, input any, scope *Scope) (bool, error) {
	v, err := e.EvalExpr(src, input, scope)
	if err != nil {
		return false, err
	}
	return v != nil && v != false, nil
}

// EvalString evaluates and asserts a string result.
func (e *Evaluator) EvalString(src string, input any, scope *Scope) (string, error) {
	v, err := e.EvalExpr(src, input, scope)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expression %q: expected a string, got %T", src, v)
	}
	return s, nil
}

// EvalList evaluates and asserts a list result.
func (e *Evaluator) EvalList(src string, input any, scope *Scope) ([]any, error) {
	v, err := e.EvalExpr(src, input, scope)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expression %q: expected a list, got %T", src, v)
	}
	return list, nil
}

// EvalObject evaluates and asserts an object result.
func (e *Evaluator) EvalObject(src string, input any, scope *Scope) (map[string]any, error) {
	v, err := e.EvalExpr(src, input, scope)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expression %q: expected an object, got %T", src, v)
	}
	return obj, nil
}

// ResolveTransform resolves an input.from / output.as / export.as value: a
// string is an expression (marked or bare), structures are templates,
// other literals pass through.
func (e *Evaluator) ResolveTransform(v any, input any, scope *Scope) (any, error) {
	switch x := v.(type) {
	case string:
		return e.EvalExpr(x, input, scope)
	default:
		return e.ResolveTemplate(v, input, scope)
	}
}

// ResolveTemplate walks a template value: marked strings evaluate as
// expressions, maps and lists recurse, everything else is literal.
func (e *Evaluator) ResolveTemplate(v any, input any, scope *Scope) (any, error) {
	switch x := v.(type) {
	case string:
		if IsMarked(x) {
			return e.Eval(Unmark(x), input, scope)
		}
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			resolved, err := e.ResolveTemplate(elem, input, scope)
			if err != nil {
				return nil, fmt.Errorf("template key %q: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case map[any]any:
		return e.ResolveTemplate(normalize(x), input, scope)
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			resolved, err := e.ResolveTemplate(elem, input, scope)
			if err != nil {
				return nil, fmt.Errorf("template index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return normalize(v), nil
	}
}

func (e *Evaluator) compile(src string, varNames []string) (*gojq.Code, error) {
	key := src + "\x00" + strings.Join(varNames, ",")
	e.mu.Lock()
	code, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing expression %q: %w", src, err)
	}
	dollars := make([]string, len(varNames))
	for i, name := range varNames {
		dollars[i] = "$" + name
	}
	code, err = gojq.Compile(query, gojq.WithVariables(dollars))
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", src, err)
	}

	e.mu.Lock()
	e.cache[key] = code
	e.mu.Unlock()
	return code, nil
}
