package dsl

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// TaskKind names one of the DSL task kinds.
type TaskKind string

const (
	KindDo     TaskKind = "do"
	KindFor    TaskKind = "for"
	KindSwitch TaskKind = "switch"
	KindFork   TaskKind = "fork"
	KindTry    TaskKind = "try"
	KindSet    TaskKind = "set"
	KindRaise  TaskKind = "raise"
	KindWait   TaskKind = "wait"
	KindCall   TaskKind = "call"
	KindListen TaskKind = "listen"
	KindEmit   TaskKind = "emit"

	// KindNone marks a task that declares no recognized kind key. Rejected
	// by validation.
	KindNone TaskKind = ""
)

// Task is one task definition. Exactly one kind key is set; the remaining
// fields form the common envelope every kind shares.
type Task struct {
	// If skips the task when it evaluates false against the transformed
	// input. A skipped task produces no output and flows to the next
	// position as if it had completed.
	If string `yaml:"if,omitempty" json:"if,omitempty"`
	// Input gates and transforms the raw input before the body runs.
	Input *Input `yaml:"input,omitempty" json:"input,omitempty"`
	// Output transforms and gates the raw output after the body ran.
	Output *Output `yaml:"output,omitempty" json:"output,omitempty"`
	// Export replaces the global context from the transformed output.
	Export *Export `yaml:"export,omitempty" json:"export,omitempty"`
	// Timeout bounds the task.
	Timeout *Timeout `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Then overrides the default continuation: a sibling name, or one of
	// "continue", "exit", "end".
	Then     FlowDirective  `yaml:"then,omitempty" json:"then,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Kind keys. Validation enforces that exactly one is present.

	// Call invokes an external protocol: http, grpc, openapi or asyncapi.
	// With carries the protocol-specific arguments.
	Call string         `yaml:"call,omitempty" json:"call,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
	// Do runs children sequentially. Also serves as the body of For.
	Do TaskList `yaml:"do,omitempty" json:"do,omitempty"`
	// Emit publishes a CloudEvent built from a template.
	Emit *EmitClause `yaml:"emit,omitempty" json:"emit,omitempty"`
	// For iterates Do over a list; While bounds the iteration.
	For   *ForClause `yaml:"for,omitempty" json:"for,omitempty"`
	While string     `yaml:"while,omitempty" json:"while,omitempty"`
	// Fork runs named branches and aggregates their outputs.
	Fork *ForkClause `yaml:"fork,omitempty" json:"fork,omitempty"`
	// Listen suspends until matching events arrive.
	Listen *ListenClause `yaml:"listen,omitempty" json:"listen,omitempty"`
	// Raise throws an error, inline or from the use.errors catalog.
	Raise *RaiseClause `yaml:"raise,omitempty" json:"raise,omitempty"`
	// Set produces a new value from a template object or an expression.
	Set *SetClause `yaml:"set,omitempty" json:"set,omitempty"`
	// Switch picks a flow directive from the first matching case.
	Switch SwitchList `yaml:"switch,omitempty" json:"switch,omitempty"`
	// Try runs a block with Catch handling raised errors.
	Try   TaskList     `yaml:"try,omitempty" json:"try,omitempty"`
	Catch *CatchClause `yaml:"catch,omitempty" json:"catch,omitempty"`
	// Wait suspends for a fixed duration.
	Wait *Duration `yaml:"wait,omitempty" json:"wait,omitempty"`
}

// Kind reports the task's kind from whichever kind key is set. Kind keys
// that double as bodies of another kind (Do under For, Catch under Try) do
// not count on their own.
func (t *Task) Kind() TaskKind {
	switch {
	case t.Call != "":
		return KindCall
	case t.Emit != nil:
		return KindEmit
	case t.For != nil:
		return KindFor
	case t.Fork != nil:
		return KindFork
	case t.Listen != nil:
		return KindListen
	case t.Raise != nil:
		return KindRaise
	case t.Set != nil:
		return KindSet
	case t.Switch != nil:
		return KindSwitch
	case t.Try != nil:
		return KindTry
	case t.Wait != nil:
		return KindWait
	case t.Do != nil:
		return KindDo
	default:
		return KindNone
	}
}

// TaskItem pairs a task with its sibling-unique name.
type TaskItem struct {
	Name string
	Task *Task
}

// TaskList is an ordered list of named tasks. The document form is a
// sequence of single-key mappings, which plain struct decoding cannot
// express, so the list carries its own codec.
type TaskList []*TaskItem

// Index returns the position of the named task, or -1.
func (l TaskList) Index(name string) int {
	for i, item := range l {
		if item.Name == name {
			return i
		}
	}
	return -1
}

// UnmarshalYAML decodes a sequence of single-key mappings preserving
// declaration order.
func (l *TaskList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("task list must be a sequence, got %s", nodeKindName(node.Kind))
	}
	items := make(TaskList, 0, len(node.Content))
	for i, entry := range node.Content {
		if entry.Kind != yaml.MappingNode || len(entry.Content) != 2 {
			return fmt.Errorf("task list entry %d: expected a single name/task pair", i)
		}
		name := entry.Content[0].Value
		task := new(Task)
		if err := entry.Content[1].Decode(task); err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		items = append(items, &TaskItem{Name: name, Task: task})
	}
	*l = items
	return nil
}

// MarshalYAML renders the list back into its document form.
func (l TaskList) MarshalYAML() (any, error) {
	out := make([]map[string]*Task, 0, len(l))
	for _, item := range l {
		out = append(out, map[string]*Task{item.Name: item.Task})
	}
	return out, nil
}

// SetClause is either a template object whose leaves may embed expressions,
// or a single expression string producing the whole value.
type SetClause struct {
	Expr   string
	Values map[string]any
}

func (s *SetClause) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.Expr)
	case yaml.MappingNode:
		return node.Decode(&s.Values)
	default:
		return fmt.Errorf("set must be a mapping or an expression string, got %s", nodeKindName(node.Kind))
	}
}

func (s *SetClause) MarshalYAML() (any, error) {
	if s.Expr != "" {
		return s.Expr, nil
	}
	return s.Values, nil
}

// SwitchItem is one named switch case. A case without When is the default.
type SwitchItem struct {
	Name string
	When string
	Then FlowDirective
}

// SwitchList preserves case declaration order; cases are tested in order
// and the first match wins.
type SwitchList []*SwitchItem

type switchCase struct {
	When string        `yaml:"when,omitempty"`
	Then FlowDirective `yaml:"then,omitempty"`
}

func (l *SwitchList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("switch must be a sequence of cases, got %s", nodeKindName(node.Kind))
	}
	items := make(SwitchList, 0, len(node.Content))
	for i, entry := range node.Content {
		if entry.Kind != yaml.MappingNode || len(entry.Content) != 2 {
			return fmt.Errorf("switch case %d: expected a single name/case pair", i)
		}
		var c switchCase
		if err := entry.Content[1].Decode(&c); err != nil {
			return fmt.Errorf("switch case %q: %w", entry.Content[0].Value, err)
		}
		items = append(items, &SwitchItem{Name: entry.Content[0].Value, When: c.When, Then: c.Then})
	}
	*l = items
	return nil
}

func (l SwitchList) MarshalYAML() (any, error) {
	out := make([]map[string]switchCase, 0, len(l))
	for _, item := range l {
		out = append(out, map[string]switchCase{item.Name: {When: item.When, Then: item.Then}})
	}
	return out, nil
}

// ForClause configures iteration. Each and At name the scope variables for
// the current element and index; they default to "item" and "index".
type ForClause struct {
	Each string `yaml:"each,omitempty" json:"each,omitempty"`
	In   string `yaml:"in" json:"in"`
	At   string `yaml:"at,omitempty" json:"at,omitempty"`
}

// ItemVar returns the scope variable name bound to the current element.
func (f *ForClause) ItemVar() string {
	if f.Each != "" {
		return f.Each
	}
	return "item"
}

// IndexVar returns the scope variable name bound to the current index.
func (f *ForClause) IndexVar() string {
	if f.At != "" {
		return f.At
	}
	return "index"
}

// ForkClause configures parallel branches. Compete selects first-wins
// semantics, which this engine does not support; validation rejects it.
type ForkClause struct {
	Branches TaskList `yaml:"branches" json:"branches"`
	Compete  bool     `yaml:"compete,omitempty" json:"compete,omitempty"`
}

// RaiseClause throws an error built from an inline definition or a
// use.errors reference, with optional field overrides.
type RaiseClause struct {
	Error *ErrorRef      `yaml:"error" json:"error"`
	With  map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// ErrorRef is either the name of a use.errors entry or an inline
// definition.
type ErrorRef struct {
	Ref        string
	Definition *ErrorDefinition
}

func (e *ErrorRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&e.Ref)
	case yaml.MappingNode:
		e.Definition = new(ErrorDefinition)
		return node.Decode(e.Definition)
	default:
		return fmt.Errorf("error must be a name or a definition, got %s", nodeKindName(node.Kind))
	}
}

func (e *ErrorRef) MarshalYAML() (any, error) {
	if e.Ref != "" {
		return e.Ref, nil
	}
	return e.Definition, nil
}

// EmitClause configures event publication.
type EmitClause struct {
	Event *EmitEvent `yaml:"event" json:"event"`
}

// EmitEvent is the event template: a use.events reference and/or literal
// CloudEvent attributes whose string leaves may embed expressions. The
// "data" key carries the event payload template.
type EmitEvent struct {
	Ref  string         `yaml:"ref,omitempty" json:"ref,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// ListenClause suspends the task until its consumption strategy is
// satisfied. Read selects what resumes into the output: event "data"
// (default) or the full "envelope".
type ListenClause struct {
	To   *ListenTo `yaml:"to" json:"to"`
	Read string    `yaml:"read,omitempty" json:"read,omitempty"`
}

// ListenTo is the consumption strategy: exactly one of One, Any or All.
type ListenTo struct {
	One *EventFilter   `yaml:"one,omitempty" json:"one,omitempty"`
	Any []*EventFilter `yaml:"any,omitempty" json:"any,omitempty"`
	All []*EventFilter `yaml:"all,omitempty" json:"all,omitempty"`
}

// Filters returns the strategy's filters and whether all of them must be
// satisfied (true for All, false for One/Any).
func (t *ListenTo) Filters() ([]*EventFilter, bool) {
	switch {
	case t.One != nil:
		return []*EventFilter{t.One}, false
	case len(t.All) > 0:
		return t.All, true
	default:
		return t.Any, false
	}
}

// EventFilter matches incoming events by attribute values, with optional
// correlation keys. Ref resolves a use.events entry.
type EventFilter struct {
	Ref       string                  `yaml:"ref,omitempty" json:"ref,omitempty"`
	With      map[string]any          `yaml:"with,omitempty" json:"with,omitempty"`
	Correlate map[string]*Correlation `yaml:"correlate,omitempty" json:"correlate,omitempty"`
}

// Correlation extracts a value from a candidate event (From, an expression)
// and compares it to Expect (a literal or expression evaluated once when
// the listen starts).
type Correlation struct {
	From   string `yaml:"from" json:"from"`
	Expect string `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// CatchClause handles errors raised inside a Try block.
type CatchClause struct {
	// Errors filters which errors are eligible; omitted fields match any.
	Errors *ErrorFilterClause `yaml:"errors,omitempty" json:"errors,omitempty"`
	// As names the scope variable the caught error is bound to for When and
	// ExceptWhen. Defaults to "error".
	As         string `yaml:"as,omitempty" json:"as,omitempty"`
	When       string `yaml:"when,omitempty" json:"when,omitempty"`
	ExceptWhen string `yaml:"exceptWhen,omitempty" json:"exceptWhen,omitempty"`
	// Retry re-runs the try block under a policy before the catch body
	// applies.
	Retry *RetryRef `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Do is the catch body.
	Do TaskList `yaml:"do,omitempty" json:"do,omitempty"`
}

// ErrorVar returns the scope variable name the caught error is bound to.
func (c *CatchClause) ErrorVar() string {
	if c != nil && c.As != "" {
		return c.As
	}
	return "error"
}

// ErrorFilterClause wraps the structural error filter.
type ErrorFilterClause struct {
	With *ErrorFilter `yaml:"with" json:"with"`
}

// ErrorFilter matches raised errors field by field; zero fields match
// anything.
type ErrorFilter struct {
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Status   int    `yaml:"status,omitempty" json:"status,omitempty"`
	Title    string `yaml:"title,omitempty" json:"title,omitempty"`
	Detail   string `yaml:"detail,omitempty" json:"detail,omitempty"`
	Instance string `yaml:"instance,omitempty" json:"instance,omitempty"`
}

// Matches reports whether every set filter field equals the corresponding
// error field.
func (f *ErrorFilter) Matches(e *Error) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Status != 0 && f.Status != e.Status {
		return false
	}
	if f.Title != "" && f.Title != e.Title {
		return false
	}
	if f.Detail != "" && f.Detail != e.Detail {
		return false
	}
	if f.Instance != "" && f.Instance != e.Instance {
		return false
	}
	return true
}

func nodeKindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
