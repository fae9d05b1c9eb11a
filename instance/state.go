package instance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowd-io/flowd/dsl"
)

// NodeState is the mutable per-position record of one node. Optional
// fields are pointers so the codec can tell an absent field from an
// explicit JSON null; both occur (a task input may legitimately be null).
//
// Wire keys are single letters to keep messages small:
//
//	i rawInput        t transformedInput   o rawOutput
//	u transformedOutput  c childIndex      s startedAt
//	v variables       x context (root)     a attemptIndex
//	d nextDelayMillis e caughtError        r iterationCursor
type NodeState struct {
	RawInput          *any
	TransformedInput  *any
	RawOutput         *any
	TransformedOutput *any
	ChildIndex        *int
	StartedAt         *time.Time
	Variables         map[string]any
	Context           *any
	AttemptIndex      *int
	NextDelay         *time.Duration
	CaughtError       *dsl.Error
	IterationCursor   *int
}

// NewNodeState returns an empty state.
func NewNodeState() *NodeState {
	return &NodeState{}
}

// --- value accessors -------------------------------------------------------

// SetRawInput records the raw input (step 1 of the data-flow contract).
func (s *NodeState) SetRawInput(v any) { s.RawInput = &v }

// HasRawInput reports whether raw input was recorded, null included.
func (s *NodeState) HasRawInput() bool { return s.RawInput != nil }

// RawInputValue returns the recorded raw input.
func (s *NodeState) RawInputValue() any { return deref(s.RawInput) }

// SetTransformedInput records the transformed input.
func (s *NodeState) SetTransformedInput(v any) { s.TransformedInput = &v }

// TransformedInputValue returns the transformed input.
func (s *NodeState) TransformedInputValue() any { return deref(s.TransformedInput) }

// HasTransformedInput reports whether the input transform already ran.
func (s *NodeState) HasTransformedInput() bool { return s.TransformedInput != nil }

// SetRawOutput records the raw output of the task body.
func (s *NodeState) SetRawOutput(v any) { s.RawOutput = &v }

// HasRawOutput reports whether a raw output was recorded.
func (s *NodeState) HasRawOutput() bool { return s.RawOutput != nil }

// RawOutputValue returns the recorded raw output.
func (s *NodeState) RawOutputValue() any { return deref(s.RawOutput) }

// SetTransformedOutput records the transformed output.
func (s *NodeState) SetTransformedOutput(v any) { s.TransformedOutput = &v }

// HasTransformedOutput reports whether the node completed its output
// transform.
func (s *NodeState) HasTransformedOutput() bool { return s.TransformedOutput != nil }

// TransformedOutputValue returns the transformed output.
func (s *NodeState) TransformedOutputValue() any { return deref(s.TransformedOutput) }

// SetContext replaces the global context (root state only).
func (s *NodeState) SetContext(v any) { s.Context = &v }

// ContextValue returns the global context, nil when never exported.
func (s *NodeState) ContextValue() any { return deref(s.Context) }

// --- progress fields -------------------------------------------------------

// MarkStarted records the start instant once.
func (s *NodeState) MarkStarted(now time.Time) {
	if s.StartedAt == nil {
		t := now.UTC()
		s.StartedAt = &t
	}
}

// Started reports whether the node began executing.
func (s *NodeState) Started() bool { return s.StartedAt != nil }

// StartedTime returns the recorded start instant.
func (s *NodeState) StartedTime() time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return *s.StartedAt
}

// Child returns the current child index of a composite, -1 when unset.
func (s *NodeState) Child() int {
	if s.ChildIndex == nil {
		return -1
	}
	return *s.ChildIndex
}

// SetChild records the current child index.
func (s *NodeState) SetChild(i int) { s.ChildIndex = &i }

// Cursor returns the For iteration cursor, -1 when unset.
func (s *NodeState) Cursor() int {
	if s.IterationCursor == nil {
		return -1
	}
	return *s.IterationCursor
}

// SetCursor records the For iteration cursor.
func (s *NodeState) SetCursor(i int) { s.IterationCursor = &i }

// Attempts returns the Try attempt index, 0 before any retry.
func (s *NodeState) Attempts() int {
	if s.AttemptIndex == nil {
		return 0
	}
	return *s.AttemptIndex
}

// SetAttempts records the Try attempt index.
func (s *NodeState) SetAttempts(n int) { s.AttemptIndex = &n }

// SetNextDelay records the scheduled retry delay.
func (s *NodeState) SetNextDelay(d time.Duration) { s.NextDelay = &d }

// NextDelayValue returns the scheduled retry delay, 0 when unset.
func (s *NodeState) NextDelayValue() time.Duration {
	if s.NextDelay == nil {
		return 0
	}
	return *s.NextDelay
}

// Var returns a scope variable recorded on this node.
func (s *NodeState) Var(name string) (any, bool) {
	v, ok := s.Variables[name]
	return v, ok
}

// SetVar records a scope variable on this node.
func (s *NodeState) SetVar(name string, v any) {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	s.Variables[name] = v
}

func deref(p *any) any {
	if p == nil {
		return nil
	}
	return *p
}

// --- codec ------------------------------------------------------------------

func (s *NodeState) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 8)
	if s.RawInput != nil {
		m["i"] = *s.RawInput
	}
	if s.TransformedInput != nil {
		m["t"] = *s.TransformedInput
	}
	if s.RawOutput != nil {
		m["o"] = *s.RawOutput
	}
	if s.TransformedOutput != nil {
		m["u"] = *s.TransformedOutput
	}
	if s.ChildIndex != nil {
		m["c"] = *s.ChildIndex
	}
	if s.StartedAt != nil {
		m["s"] = s.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.Variables != nil {
		m["v"] = s.Variables
	}
	if s.Context != nil {
		m["x"] = *s.Context
	}
	if s.AttemptIndex != nil {
		m["a"] = *s.AttemptIndex
	}
	if s.NextDelay != nil {
		m["d"] = s.NextDelay.Milliseconds()
	}
	if s.CaughtError != nil {
		m["e"] = s.CaughtError
	}
	if s.IterationCursor != nil {
		m["r"] = *s.IterationCursor
	}
	return json.Marshal(m)
}

func (s *NodeState) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding node state: %w", err)
	}
	// Unknown keys are ignored for forward compatibility.
	for key, val := range raw {
		var err error
		switch key {
		case "i":
			s.RawInput, err = decodeValue(val)
		case "t":
			s.TransformedInput, err = decodeValue(val)
		case "o":
			s.RawOutput, err = decodeValue(val)
		case "u":
			s.TransformedOutput, err = decodeValue(val)
		case "c":
			s.ChildIndex = new(int)
			err = json.Unmarshal(val, s.ChildIndex)
		case "s":
			var ts string
			if err = json.Unmarshal(val, &ts); err == nil {
				var parsed time.Time
				parsed, err = time.Parse(time.RFC3339Nano, ts)
				if err == nil {
					s.StartedAt = &parsed
				}
			}
		case "v":
			err = json.Unmarshal(val, &s.Variables)
		case "x":
			s.Context, err = decodeValue(val)
		case "a":
			s.AttemptIndex = new(int)
			err = json.Unmarshal(val, s.AttemptIndex)
		case "d":
			var millis int64
			if err = json.Unmarshal(val, &millis); err == nil {
				d := time.Duration(millis) * time.Millisecond
				s.NextDelay = &d
			}
		case "e":
			s.CaughtError = new(dsl.Error)
			err = json.Unmarshal(val, s.CaughtError)
		case "r":
			s.IterationCursor = new(int)
			err = json.Unmarshal(val, s.IterationCursor)
		}
		if err != nil {
			return fmt.Errorf("decoding node state key %q: %w", key, err)
		}
	}
	return nil
}

func decodeValue(raw json.RawMessage) (*any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Equal compares two states by canonical JSON form, so 5 and 5.0 compare
// equal the way the expression layer treats them.
func (s *NodeState) Equal(o *NodeState) bool {
	if s == nil || o == nil {
		return s == o
	}
	a, err := json.Marshal(s)
	if err != nil {
		return false
	}
	b, err := json.Marshal(o)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone deep-copies the state through the codec.
func (s *NodeState) Clone() *NodeState {
	data, err := json.Marshal(s)
	if err != nil {
		return NewNodeState()
	}
	out := NewNodeState()
	if err := json.Unmarshal(data, out); err != nil {
		return NewNodeState()
	}
	return out
}
