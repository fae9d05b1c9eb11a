// Package dsl models Serverless Workflow DSL 1.0.0 documents: the top-level
// workflow envelope, the task tree, flow directives, durations, and the
// named catalogs under "use". Documents are accepted in YAML or JSON and
// normalized into plain JSON-compatible values (map[string]any, []any,
// string, number, bool, nil) so the expression layer can consume them
// directly.
package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow is a parsed workflow document.
type Workflow struct {
	// Document carries identity and DSL version.
	Document Document `yaml:"document" json:"document"`
	// Input is the workflow-level input gate, applied before the first task.
	Input *Input `yaml:"input,omitempty" json:"input,omitempty"`
	// Use holds the named catalogs referenced by tasks.
	Use *Use `yaml:"use,omitempty" json:"use,omitempty"`
	// Do is the top-level task list.
	Do TaskList `yaml:"do" json:"do"`
	// Timeout bounds the whole instance.
	Timeout *Timeout `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Output is the workflow-level output gate, applied after the last task.
	Output *Output `yaml:"output,omitempty" json:"output,omitempty"`
}

// Document identifies a workflow.
type Document struct {
	DSL       string         `yaml:"dsl" json:"dsl"`
	Namespace string         `yaml:"namespace" json:"namespace"`
	Name      string         `yaml:"name" json:"name"`
	Version   string         `yaml:"version" json:"version"`
	Title     string         `yaml:"title,omitempty" json:"title,omitempty"`
	Summary   string         `yaml:"summary,omitempty" json:"summary,omitempty"`
	Metadata  map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Input configures the input gate of a workflow or task: an optional schema
// applied to the raw input and an optional transformation producing the
// transformed input.
type Input struct {
	Schema *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	From   any     `yaml:"from,omitempty" json:"from,omitempty"`
}

// Output configures the output gate: an optional transformation of the raw
// output and an optional schema applied to the transformed output.
type Output struct {
	Schema *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	As     any     `yaml:"as,omitempty" json:"as,omitempty"`
}

// Export configures how a task replaces the global context. As produces the
// new context from the task's transformed output; Schema gates the produced
// value before the swap.
type Export struct {
	Schema *Schema `yaml:"schema,omitempty" json:"schema,omitempty"`
	As     any     `yaml:"as,omitempty" json:"as,omitempty"`
}

// Schema is an inline JSON Schema. Format defaults to "json".
type Schema struct {
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
	Document any    `yaml:"document,omitempty" json:"document,omitempty"`
}

// Timeout bounds a workflow or task.
type Timeout struct {
	After Duration `yaml:"after" json:"after"`
}

// Use holds the named catalogs a document declares once and references from
// tasks: authentication policies, reusable error definitions, retry
// policies, secret names, and event filters.
type Use struct {
	Authentications map[string]*Authentication  `yaml:"authentications,omitempty" json:"authentications,omitempty"`
	Errors          map[string]*ErrorDefinition `yaml:"errors,omitempty" json:"errors,omitempty"`
	Retries         map[string]*RetryPolicy     `yaml:"retries,omitempty" json:"retries,omitempty"`
	Secrets         []string                    `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Events          map[string]*EventFilter     `yaml:"events,omitempty" json:"events,omitempty"`
}

// Authentication returns the named authentication policy, or nil.
func (u *Use) Authentication(name string) *Authentication {
	if u == nil {
		return nil
	}
	return u.Authentications[name]
}

// Error returns the named error definition, or nil.
func (u *Use) Error(name string) *ErrorDefinition {
	if u == nil {
		return nil
	}
	return u.Errors[name]
}

// Retry returns the named retry policy, or nil.
func (u *Use) Retry(name string) *RetryPolicy {
	if u == nil {
		return nil
	}
	return u.Retries[name]
}

// Event returns the named event filter, or nil.
func (u *Use) Event(name string) *EventFilter {
	if u == nil {
		return nil
	}
	return u.Events[name]
}

// SecretNames returns the declared secret names.
func (u *Use) SecretNames() []string {
	if u == nil {
		return nil
	}
	return u.Secrets
}

// Parse decodes a workflow document from YAML or JSON bytes and runs static
// validation. JSON is handled by the YAML parser (a strict superset).
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow document: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Key returns the cache key for a parsed document.
func (w *Workflow) Key() string {
	return w.Document.Name + "/" + w.Document.Version
}
