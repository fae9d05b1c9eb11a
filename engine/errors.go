// Package engine advances workflow instances: it drives the node tree from
// a continuation message to the next suspension point or terminal status,
// applying the per-task data-flow contract, the per-kind state machines,
// and the error/retry rules.
package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flowd-io/flowd/dsl"
	"github.com/flowd-io/flowd/graph"
)

// Error constructors. Every raised error carries the position of the
// raising node as its instance pointer; WithInstance never overwrites an
// instance set further down, so the origin survives bubbling.

func configurationError(pos graph.Position, format string, args ...any) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeConfiguration, http.StatusBadRequest, fmt.Sprintf(format, args...))
	e.Title = "Configuration Error"
	return e.WithInstance(pos.String())
}

func validationError(pos graph.Position, format string, args ...any) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeValidation, http.StatusBadRequest, fmt.Sprintf(format, args...))
	e.Title = "Validation Error"
	return e.WithInstance(pos.String())
}

func expressionError(pos graph.Position, err error) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeExpression, http.StatusBadRequest, err.Error())
	e.Title = "Expression Error"
	return e.WithInstance(pos.String())
}

func timeoutError(pos graph.Position, detail string) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeTimeout, http.StatusRequestTimeout, detail)
	e.Title = "Timeout Error"
	return e.WithInstance(pos.String())
}

func runtimeError(pos graph.Position, err error) *dsl.Error {
	e := dsl.NewError(dsl.ErrorTypeRuntime, http.StatusInternalServerError, err.Error())
	e.Title = "Runtime Error"
	return e.WithInstance(pos.String())
}

// asWorkflowError normalizes an error surfaced by a collaborator: workflow
// errors pass through, anything else becomes a communication error at the
// calling node.
func asWorkflowError(pos graph.Position, err error) *dsl.Error {
	if we, ok := dsl.AsError(err); ok {
		return we.WithInstance(pos.String())
	}
	e := dsl.NewError(dsl.ErrorTypeCommunication, http.StatusServiceUnavailable, err.Error())
	e.Title = "Communication Error"
	return e.WithInstance(pos.String())
}

// errAdvanceInterrupted distinguishes infrastructure failures (context
// cancelled, malformed message) from workflow faults; interrupted
// advancements are retried by redelivery, never recorded as FAULTED.
var errAdvanceInterrupted = errors.New("advancement interrupted")
