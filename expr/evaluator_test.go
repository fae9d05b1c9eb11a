package expr

import (
	"strings"
	"testing"
)

func TestUnmark(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"marked", "${ .v + 1 }", ".v + 1"},
		{"marked tight", "${.v}", ".v"},
		{"bare", ".total", ".total"},
		{"whitespace", "  ${ . }  ", "."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Unmark(tt.in); got != tt.want {
				t.Errorf("Unmark(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEval(t *testing.T) {
	e := NewEvaluator()
	scope := NewScope().With("item", 2).With("context", map[string]any{"user": "ada"})

	tests := []struct {
		name  string
		src   string
		input any
		want  any
	}{
		{"identity", ".", 5, 5},
		{"arithmetic", ". + 1", 5, 6},
		{"field", ".v", map[string]any{"v": 7}, 7},
		{"variable", ".total + $item", map[string]any{"total": 4}, 6},
		{"nested variable", "$context.user", nil, "ada"},
		{"object construction", "{v: .}", 5, map[string]any{"v": 5}},
		{"string interpolation", `"\(.name)!"`, map[string]any{"name": "hi"}, "hi!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Eval(tt.src, tt.input, scope)
			if err != nil {
				t.Fatalf("Eval() error = %v", err)
			}
			if !equalJSON(got, tt.want) {
				t.Errorf("Eval() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	e := NewEvaluator()
	tests := []struct {
		name    string
		src     string
		input   any
		wantErr string
	}{
		{"parse error", ".v +", nil, "parsing expression"},
		{"unknown variable", "$nope", nil, "compiling expression"},
		{"runtime error", ".a + 1", map[string]any{"a": "x"}, "expression"},
		{"multiple results", ".[]", []any{1, 2}, "multiple results"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Eval(tt.src, tt.input, NewScope())
			if err == nil {
				t.Fatalf("Eval(%q) succeeded, want error containing %q", tt.src, tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestEvalBool(t *testing.T) {
	e := NewEvaluator()
	tests := []struct {
		name  string
		src   string
		input any
		want  bool
	}{
		{"true comparison", `. == "low"`, "low", true},
		{"false comparison", `. == "low"`, "high", false},
		{"null is false", ".missing", map[string]any{}, false},
		{"zero is true", ". - 5", 5, true},
		{"marked form", `${ .v > 1 }`, map[string]any{"v": 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(tt.src, tt.input, NewScope())
			if err != nil {
				t.Fatalf("EvalBool() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EvalBool(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestResolveTransform(t *testing.T) {
	e := NewEvaluator()

	// Bare strings in from/as positions are expressions.
	got, err := e.ResolveTransform(".total", map[string]any{"total": 6}, NewScope())
	if err != nil {
		t.Fatalf("ResolveTransform() error = %v", err)
	}
	if got != 6 {
		t.Errorf("ResolveTransform(.total) = %v, want 6", got)
	}

	// Structures resolve as templates.
	got, err = e.ResolveTransform(map[string]any{"v": "${ . + 1 }", "label": "fixed"}, 1, NewScope())
	if err != nil {
		t.Fatalf("ResolveTransform() error = %v", err)
	}
	want := map[string]any{"v": 2, "label": "fixed"}
	if !equalJSON(got, want) {
		t.Errorf("ResolveTransform() = %#v, want %#v", got, want)
	}
}

func TestResolveTemplate(t *testing.T) {
	e := NewEvaluator()
	scope := NewScope().With("item", 3)
	tmpl := map[string]any{
		"total":  "${ .total + $item }",
		"labels": []any{"a", "${ .total }"},
		"plain":  ".total",
	}
	got, err := e.ResolveTemplate(tmpl, map[string]any{"total": 3}, scope)
	if err != nil {
		t.Fatalf("ResolveTemplate() error = %v", err)
	}
	want := map[string]any{
		"total":  6,
		"labels": []any{"a", 3},
		"plain":  ".total",
	}
	if !equalJSON(got, want) {
		t.Errorf("ResolveTemplate() = %#v, want %#v", got, want)
	}
}

func TestScopeShadowing(t *testing.T) {
	e := NewEvaluator()
	parent := NewScope().With("item", 1).With("context", map[string]any{})
	child := parent.With("item", 2)

	got, err := e.Eval("$item", nil, child)
	if err != nil {
		t.Fatalf("Eval() error = %v", err)
	}
	if got != 2 {
		t.Errorf("child $item = %v, want 2", got)
	}
	got, _ = e.Eval("$item", nil, parent)
	if got != 1 {
		t.Errorf("parent $item = %v, want 1 (child binding leaked)", got)
	}
}

func TestNormalize(t *testing.T) {
	in := map[any]any{
		"n":    int64(4),
		"list": []any{float32(1.5), uint8(2)},
	}
	got := Normalize(in)
	want := map[string]any{
		"n":    4,
		"list": []any{1.5, 2},
	}
	if !equalJSON(got, want) {
		t.Errorf("Normalize() = %#v, want %#v", got, want)
	}
}

// equalJSON compares JSON-normal values structurally, tolerating int vs
// float64 for whole numbers.
func equalJSON(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !equalJSON(v, y[k]) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i, v := range x {
			if !equalJSON(v, y[i]) {
				return false
			}
		}
		return true
	case int:
		switch y := b.(type) {
		case int:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case int:
			return x == float64(y)
		case float64:
			return x == y
		}
		return false
	default:
		return a == b
	}
}
