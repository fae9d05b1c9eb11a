package dsl

import (
	"errors"
	"fmt"
)

// Error type URIs. The taxonomy is closed: every error raised by the engine
// or by a workflow carries one of these types unless the document defines
// its own URI.
const (
	errorTypeBase = "https://serverlessworkflow.io/spec/1.0.0/errors/"

	ErrorTypeConfiguration  = errorTypeBase + "configuration"
	ErrorTypeValidation     = errorTypeBase + "validation"
	ErrorTypeExpression     = errorTypeBase + "expression"
	ErrorTypeCommunication  = errorTypeBase + "communication"
	ErrorTypeAuthentication = errorTypeBase + "authentication"
	ErrorTypeAuthorization  = errorTypeBase + "authorization"
	ErrorTypeTimeout        = errorTypeBase + "timeout"
	ErrorTypeRuntime        = errorTypeBase + "runtime"
)

// Error is a raised workflow error, shaped after RFC 9457 problem details.
// Instance is the position pointer of the raising node.
type Error struct {
	Type     string `json:"type" yaml:"type"`
	Status   int    `json:"status,omitempty" yaml:"status,omitempty"`
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Instance string `json:"instance,omitempty" yaml:"instance,omitempty"`
}

// NewError builds an error with the given type URI, status and detail.
func NewError(errType string, status int, detail string) *Error {
	return &Error{Type: errType, Status: status, Detail: detail}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Detail)
}

// WithInstance returns the error with Instance set to pos if it was empty.
// A raised error keeps the position of the node that first raised it.
func (e *Error) WithInstance(pos string) *Error {
	if e.Instance == "" {
		e.Instance = pos
	}
	return e
}

// ToMap renders the error as a plain JSON object for expression scopes.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{"type": e.Type}
	if e.Status != 0 {
		m["status"] = e.Status
	}
	if e.Title != "" {
		m["title"] = e.Title
	}
	if e.Detail != "" {
		m["detail"] = e.Detail
	}
	if e.Instance != "" {
		m["instance"] = e.Instance
	}
	return m
}

// AsError unwraps err into a workflow *Error if it carries one.
func AsError(err error) (*Error, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

// ErrorDefinition is a reusable error declaration under use.errors, or the
// inline form inside a raise task. Title and Detail may embed expressions,
// evaluated when the error is raised.
type ErrorDefinition struct {
	Type   string `yaml:"type" json:"type"`
	Status int    `yaml:"status,omitempty" json:"status,omitempty"`
	Title  string `yaml:"title,omitempty" json:"title,omitempty"`
	Detail string `yaml:"detail,omitempty" json:"detail,omitempty"`
}
