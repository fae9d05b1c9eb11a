package schema

import (
	"strings"
	"testing"

	"github.com/flowd-io/flowd/dsl"
)

func objectSchema() *dsl.Schema {
	return &dsl.Schema{
		Document: map[string]any{
			"type":     "object",
			"required": []any{"v"},
			"properties": map[string]any{
				"v": map[string]any{"type": "number"},
			},
		},
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator()
	s := objectSchema()

	tests := []struct {
		name    string
		value   any
		wantErr bool
	}{
		{"accepts", map[string]any{"v": 5}, false},
		{"accepts int", map[string]any{"v": 7, "extra": "ok"}, false},
		{"missing field", map[string]any{"w": 1}, true},
		{"wrong type", map[string]any{"v": "five"}, true},
		{"not an object", 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(s, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Validate() = nil, want rejection")
				}
				if !IsValidation(err) {
					t.Errorf("rejection not marked as validation: %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestValidateNilSchema(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(nil, map[string]any{"anything": true}); err != nil {
		t.Errorf("nil schema rejected value: %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name    string
		schema  *dsl.Schema
		wantErr string
	}{
		{"bad format", &dsl.Schema{Format: "avro", Document: map[string]any{}}, "unsupported schema format"},
		{"no document", &dsl.Schema{}, "no document"},
		{"malformed", &dsl.Schema{Document: map[string]any{"type": 42}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, map[string]any{})
			if err == nil {
				t.Fatal("Validate() = nil, want compile error")
			}
			if IsValidation(err) {
				t.Errorf("compile failure misreported as validation: %v", err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompileCaching(t *testing.T) {
	v := NewValidator()
	s := objectSchema()
	if err := v.Validate(s, map[string]any{"v": 1}); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}
	if err := v.Validate(s, map[string]any{"v": 2}); err != nil {
		t.Fatalf("second Validate() error = %v", err)
	}
	if len(v.compiled) != 1 {
		t.Errorf("cache size = %d, want 1", len(v.compiled))
	}
}
