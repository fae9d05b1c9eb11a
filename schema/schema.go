// Package schema validates JSON values against the inline JSON Schemas a
// workflow document declares at its four gates (input, output, export,
// workflow-level).
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowd-io/flowd/dsl"
	"github.com/flowd-io/flowd/expr"
)

// Validator compiles and caches schemas. Documents come from cached trees,
// so identity of the *dsl.Schema pointer is a stable cache key.
type Validator struct {
	mu       sync.Mutex
	compiled map[*dsl.Schema]*jsonschema.Schema
}

// NewValidator returns a validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[*dsl.Schema]*jsonschema.Schema)}
}

// Validate checks value against the schema. A nil schema accepts anything.
// Returns the compile error for malformed schemas and the validation error
// for rejected values; callers distinguish them with IsValidation.
func (v *Validator) Validate(s *dsl.Schema, value any) error {
	if s == nil {
		return nil
	}
	compiled, err := v.compile(s)
	if err != nil {
		return err
	}
	if err := compiled.Validate(expr.Normalize(value)); err != nil {
		return &ValidationError{cause: err}
	}
	return nil
}

// ValidationError marks a schema rejection as opposed to a schema compile
// failure.
type ValidationError struct {
	cause error
}

func (e *ValidationError) Error() string {
	return e.cause.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

// IsValidation reports whether err is a schema rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func (v *Validator) compile(s *dsl.Schema) (*jsonschema.Schema, error) {
	v.mu.Lock()
	compiled, ok := v.compiled[s]
	v.mu.Unlock()
	if ok {
		return compiled, nil
	}

	if s.Format != "" && s.Format != "json" {
		return nil, fmt.Errorf("unsupported schema format %q", s.Format)
	}
	if s.Document == nil {
		return nil, fmt.Errorf("schema has no document")
	}
	raw, err := json.Marshal(expr.Normalize(s.Document))
	if err != nil {
		return nil, fmt.Errorf("encoding schema document: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding schema document: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err = compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[s] = compiled
	v.mu.Unlock()
	return compiled, nil
}
