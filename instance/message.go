package instance

import (
	"encoding/json"
	"fmt"

	"github.com/flowd-io/flowd/dsl"
)

// Message is the durable continuation: everything needed to resume an
// instance on any worker. Non-terminal messages carry only {n, v, s, p};
// terminal ones add the final status and, when faulted, the error.
type Message struct {
	// Name and Version identify the workflow definition.
	Name    string `json:"n"`
	Version string `json:"v"`
	// States maps position strings to node states.
	States map[string]*NodeState `json:"s"`
	// Position is the active position: the node that runs or resumes next.
	Position string `json:"p"`
	// Status is set on terminal messages only.
	Status Status `json:"st,omitempty"`
	// Error is the originating error of a faulted instance.
	Error *dsl.Error `json:"er,omitempty"`
}

// Validate checks structural soundness before an advancement.
func (m *Message) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("message name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("message version is required")
	}
	if m.Position == "" {
		return fmt.Errorf("message position is required")
	}
	if len(m.States) == 0 {
		return fmt.Errorf("message carries no states")
	}
	if _, ok := m.States[m.Position]; !ok {
		return fmt.Errorf("message active position %s has no state", m.Position)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("unknown message status %q", m.Status)
	}
	return nil
}

// Terminal reports whether the message ends the instance.
func (m *Message) Terminal() bool {
	return m.Status.Terminal()
}

// Encode renders the wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses and validates the wire form.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
