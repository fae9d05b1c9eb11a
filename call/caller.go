// Package call executes the protocols a call task can invoke: http,
// openapi, grpc and asyncapi. The engine resolves the task's arguments and
// authentication before handing over a Request; callers return the raw
// output value or a workflow error (communication, authentication,
// authorization, timeout).
package call

import (
	"context"
	"log/slog"
	"time"
)

// Request is one resolved call invocation. With holds the protocol
// arguments with all expressions already evaluated; Input is the task's
// transformed input.
type Request struct {
	Kind    string
	With    map[string]any
	Input   any
	Auth    *Auth
	Timeout time.Duration
}

// Auth is a resolved authentication policy. Exactly one scheme is set.
type Auth struct {
	Scheme   string
	Username string
	Password string
	Token    string
	OAuth2   *OAuth2
}

// OAuth2 configures a client-credentials token exchange.
type OAuth2 struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Audiences    []string
}

// Caller invokes one protocol kind.
type Caller interface {
	Invoke(ctx context.Context, req *Request) (any, error)
}

// Registry routes requests to per-kind callers.
type Registry struct {
	callers map[string]Caller
}

// NewRegistry returns a registry with the given kind bindings.
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]Caller)}
}

// NewDefaultRegistry wires the four built-in protocols. The asyncapi
// caller publishes through sink; pass nil to leave asyncapi unregistered.
func NewDefaultRegistry(sink EventPublisher, logger *slog.Logger) *Registry {
	r := NewRegistry()
	httpCaller := NewHTTP(logger)
	r.Register("http", httpCaller)
	r.Register("openapi", NewOpenAPI(httpCaller, logger))
	r.Register("grpc", NewGRPC(logger))
	if sink != nil {
		r.Register("asyncapi", NewAsyncAPI(sink, logger))
	}
	return r
}

// Register binds a caller to a kind, replacing any previous binding.
func (r *Registry) Register(kind string, c Caller) {
	r.callers[kind] = c
}

// Invoke dispatches to the caller registered for req.Kind.
func (r *Registry) Invoke(ctx context.Context, req *Request) (any, error) {
	c, ok := r.callers[req.Kind]
	if !ok {
		return nil, &UnsupportedKindError{Kind: req.Kind}
	}
	return c.Invoke(ctx, req)
}

// UnsupportedKindError reports a call kind with no registered caller.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return "no caller registered for kind " + e.Kind
}
