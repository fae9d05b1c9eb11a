// Package events connects workflows to CloudEvents: emitting from Emit
// tasks, matching incoming events against Listen filters, and resuming
// parked continuations once a listen strategy is satisfied.
package events

// Wait describes what a suspended Listen task is waiting for. Filters are
// fully resolved: every expression in the document filter was evaluated at
// suspension time, so matching needs no workflow scope.
type Wait struct {
	// Filters are the candidate matchers. With All, every filter must be
	// satisfied (by distinct events, in any order); otherwise the first
	// satisfied filter completes the wait.
	Filters []*Filter
	All     bool
	// Read selects what resumes into the task output: "data" (default) or
	// "envelope".
	Read string
}

// Filter matches one event.
type Filter struct {
	// With maps CloudEvent attribute names (and "data") to expected
	// values. String values match exactly; "data" matches structurally.
	With map[string]any
	// Correlate maps correlation names to extraction rules.
	Correlate map[string]*Correlation
}

// Correlation extracts a value from a candidate event with From (an
// expression over the event envelope) and requires it to equal Expect,
// which was resolved when the listen suspended.
type Correlation struct {
	From   string
	Expect any
}
