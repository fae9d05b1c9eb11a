package instance

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowd-io/flowd/dsl"
)

// rootPosition is the string form of the tree root.
const rootPosition = "/"

// idVariable is the root-state variable holding the instance identifier.
const idVariable = "id"

// Instance is one workflow instance at durable rest or under advancement:
// the states map, the active position and the lifecycle status. It is
// mutated only by the executor that owns the current message.
type Instance struct {
	Name     string
	Version  string
	States   map[string]*NodeState
	Position string
	Status   Status
	Error    *dsl.Error
}

// New creates a fresh instance around an input payload. The root state
// receives the raw input and a time-ordered identifier.
func New(name, version string, input any) (*Instance, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating instance id: %w", err)
	}
	root := NewNodeState()
	root.SetRawInput(input)
	root.SetVar(idVariable, id.String())
	return &Instance{
		Name:     name,
		Version:  version,
		States:   map[string]*NodeState{rootPosition: root},
		Position: rootPosition,
		Status:   StatusPending,
	}, nil
}

// FromMessage rebuilds the instance a message describes. Non-terminal
// messages resume as RUNNING.
func FromMessage(m *Message) *Instance {
	status := m.Status
	if status == "" {
		status = StatusRunning
	}
	return &Instance{
		Name:     m.Name,
		Version:  m.Version,
		States:   m.States,
		Position: m.Position,
		Status:   status,
		Error:    m.Error,
	}
}

// Message renders the instance back into its wire form. Only terminal
// statuses are carried on the wire.
func (i *Instance) Message() *Message {
	status := i.Status
	if !status.Terminal() {
		status = ""
	}
	return &Message{
		Name:     i.Name,
		Version:  i.Version,
		States:   i.States,
		Position: i.Position,
		Status:   status,
		Error:    i.Error,
	}
}

// State returns the state at a position, nil when absent.
func (i *Instance) State(pos string) *NodeState {
	return i.States[pos]
}

// EnsureState returns the state at a position, creating it when absent.
func (i *Instance) EnsureState(pos string) *NodeState {
	if s, ok := i.States[pos]; ok {
		return s
	}
	s := NewNodeState()
	if i.States == nil {
		i.States = map[string]*NodeState{}
	}
	i.States[pos] = s
	return s
}

// DropState removes the state at a position, e.g. when a try block is reset
// for a retry.
func (i *Instance) DropState(pos string) {
	delete(i.States, pos)
}

// Root returns the root state.
func (i *Instance) Root() *NodeState {
	return i.EnsureState(rootPosition)
}

// ID returns the instance identifier recorded at start.
func (i *Instance) ID() string {
	if v, ok := i.Root().Var(idVariable); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Context returns the global context, or nil before the first export.
func (i *Instance) Context() any {
	return i.Root().ContextValue()
}

// SetContext replaces the global context on the root state.
func (i *Instance) SetContext(v any) {
	i.Root().SetContext(v)
}
