package dsl

// FlowDirective controls where execution goes after a task completes: one
// of the reserved words below, or the name of a sibling task.
type FlowDirective string

const (
	// FlowContinue proceeds to the next sibling in declaration order. An
	// absent directive behaves the same.
	FlowContinue FlowDirective = "continue"
	// FlowExit completes the enclosing composite with the current output.
	FlowExit FlowDirective = "exit"
	// FlowEnd gracefully ends the whole workflow with the current output.
	FlowEnd FlowDirective = "end"
)

// IsSibling reports whether the directive names a sibling task rather than
// a reserved word.
func (d FlowDirective) IsSibling() bool {
	switch d {
	case "", FlowContinue, FlowExit, FlowEnd:
		return false
	default:
		return true
	}
}
