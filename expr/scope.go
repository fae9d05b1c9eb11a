// Package expr evaluates the DSL's runtime expressions with gojq. A Scope
// carries the named values an expression can reference as $variables;
// expression inputs arrive in three forms (marked expression strings,
// literals, template structures) and are resolved against the scope plus a
// current input value bound to ".".
package expr

import (
	"fmt"
	"sort"
	"time"
)

// Scope is an immutable set of named values visible to an expression as
// $variables. With returns extended copies; the receiver is never mutated,
// so parent scopes can be shared across children.
type Scope struct {
	vars map[string]any
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{vars: map[string]any{}}
}

// With returns a copy of the scope with one value bound.
func (s *Scope) With(name string, value any) *Scope {
	return s.WithAll(map[string]any{name: value})
}

// WithAll returns a copy of the scope with all given values bound. Later
// bindings shadow earlier ones of the same name.
func (s *Scope) WithAll(values map[string]any) *Scope {
	next := make(map[string]any, len(s.vars)+len(values))
	for k, v := range s.vars {
		next[k] = v
	}
	for k, v := range values {
		next[k] = normalize(v)
	}
	return &Scope{vars: next}
}

// Get returns a bound value.
func (s *Scope) Get(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// names returns the bindable variable names in sorted order. Names that are
// not valid jq identifiers are skipped; they could never be referenced.
func (s *Scope) names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		if validIdentifier(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Scope) values(names []string) []any {
	values := make([]any, len(names))
	for i, name := range names {
		values[i] = s.vars[name]
	}
	return values
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// normalize converts a value into the JSON-normal shape gojq accepts:
// nil, bool, int, float64, string, []any, map[string]any.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, int, float64, string:
		return x
	case int8:
		return int(x)
	case int16:
		return int(x)
	case int32:
		return int(x)
	case int64:
		return normalizeInt64(x)
	case uint:
		return normalizeInt64(int64(x))
	case uint8:
		return int(x)
	case uint16:
		return int(x)
	case uint32:
		return int(int64(x))
	case uint64:
		if x > 1<<62 {
			return float64(x)
		}
		return normalizeInt64(int64(x))
	case float32:
		return float64(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	default:
		// Uncommon carrier types (e.g. []string from config) round-trip
		// through fmt for keys only; values of unknown types are passed
		// through and will be rejected by gojq with a clear error.
		return x
	}
}

func normalizeInt64(x int64) any {
	const maxSafe = 1 << 62
	if x > maxSafe || x < -maxSafe {
		return float64(x)
	}
	return int(x)
}

// Normalize exposes normalization for callers assembling scope values or
// comparing engine outputs.
func Normalize(v any) any {
	return normalize(v)
}
