package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/flowd-io/flowd/call"
	"github.com/flowd-io/flowd/dsl"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/expr"
	"github.com/flowd-io/flowd/graph"
	"github.com/flowd-io/flowd/instance"
)

// startBody executes a node's body after the input side of the contract
// ran. Leaf kinds produce a raw output or a suspension inline; composite
// kinds descend into their first child.
func (a *advancement) startBody(node *graph.Node, st *instance.NodeState, input any) step {
	switch node.Kind {
	case dsl.KindDo, dsl.KindTry:
		if len(node.Children) == 0 {
			return step{kind: stepComplete, node: node, value: input}
		}
		st.SetChild(0)
		return step{kind: stepStart, node: node.Children[0], value: input}
	case dsl.KindFork:
		st.SetChild(0)
		return step{kind: stepStart, node: node.Children[0], value: input}
	case dsl.KindFor:
		list, err := a.forList(node, st)
		if err != nil {
			return a.fault(node, err)
		}
		return a.startIteration(node, st, list, 0, input)
	case dsl.KindSwitch:
		return a.runSwitch(node, input)
	case dsl.KindSet:
		return a.runSet(node, input)
	case dsl.KindRaise:
		return a.runRaise(node, input)
	case dsl.KindWait:
		a.delay = node.Task.Wait.Value()
		return step{kind: stepSuspend}
	case dsl.KindCall:
		return a.runCall(node, input)
	case dsl.KindEmit:
		return a.runEmit(node, input)
	case dsl.KindListen:
		return a.suspendListen(node, st)
	default:
		return a.fault(node, configurationError(node.Position, "task %q declares no known kind", node.Name))
	}
}

// --- for ---------------------------------------------------------------

// forList evaluates the iteration source against the for's transformed
// input. The list is recomputed deterministically on resume rather than
// persisted.
func (a *advancement) forList(node *graph.Node, st *instance.NodeState) ([]any, *dsl.Error) {
	list, err := a.engine.eval.EvalList(node.Task.For.In, st.TransformedInputValue(), a.scope(node))
	if err != nil {
		return nil, expressionError(node.Position, err)
	}
	return list, nil
}

// startIteration begins iteration cursor with the given accumulator, or
// completes the for when the list is exhausted or while turns false. The
// upcoming item and index are bound before while is evaluated.
func (a *advancement) startIteration(node *graph.Node, st *instance.NodeState, list []any, cursor int, acc any) step {
	if cursor >= len(list) {
		return step{kind: stepComplete, node: node, value: acc}
	}
	cfg := node.Task.For
	st.SetVar(cfg.ItemVar(), list[cursor])
	st.SetVar(cfg.IndexVar(), cursor)
	if w := node.Task.While; w != "" {
		ok, err := a.engine.eval.EvalBool(w, acc, a.scope(node))
		if err != nil {
			return a.fault(node, expressionError(node.Position, err))
		}
		if !ok {
			return step{kind: stepComplete, node: node, value: acc}
		}
	}
	st.SetCursor(cursor)
	st.SetChild(0)
	a.resetChildren(node)
	return step{kind: stepStart, node: node.Children[0], value: acc}
}

func (a *advancement) nextIteration(node *graph.Node, st *instance.NodeState, acc any) step {
	list, err := a.forList(node, st)
	if err != nil {
		return a.fault(node, err)
	}
	return a.startIteration(node, st, list, st.Cursor()+1, acc)
}

// --- switch ------------------------------------------------------------

func (a *advancement) runSwitch(node *graph.Node, input any) step {
	scope := a.scope(node)
	directive := dsl.FlowContinue
	for _, c := range node.Task.Switch {
		if c.When == "" {
			directive = c.Then
			break
		}
		ok, err := a.engine.eval.EvalBool(c.When, input, scope)
		if err != nil {
			return a.fault(node, expressionError(node.Position, err))
		}
		if ok {
			directive = c.Then
			break
		}
	}
	if directive == "" {
		directive = dsl.FlowContinue
	}
	return step{kind: stepComplete, node: node, value: input, directive: directive}
}

// --- set ---------------------------------------------------------------

func (a *advancement) runSet(node *graph.Node, input any) step {
	cfg := node.Task.Set
	scope := a.scope(node)
	var out any
	var err error
	if cfg.Expr != "" {
		out, err = a.engine.eval.EvalExpr(cfg.Expr, input, scope)
	} else {
		out, err = a.engine.eval.ResolveTemplate(cfg.Values, input, scope)
	}
	if err != nil {
		return a.fault(node, expressionError(node.Position, err))
	}
	return step{kind: stepComplete, node: node, value: out}
}

// --- raise -------------------------------------------------------------

func (a *advancement) runRaise(node *graph.Node, input any) step {
	cfg := node.Task.Raise
	var def *dsl.ErrorDefinition
	switch {
	case cfg.Error.Definition != nil:
		def = cfg.Error.Definition
	case cfg.Error.Ref != "":
		def = a.tree.Workflow.Use.Error(cfg.Error.Ref)
		if def == nil {
			return a.fault(node, configurationError(node.Position, "error %q is not declared under use.errors", cfg.Error.Ref))
		}
	default:
		return a.fault(node, configurationError(node.Position, "raise task %q declares no error", node.Name))
	}
	raised, derr := a.buildRaised(node, def, cfg.With, input)
	if derr != nil {
		return a.fault(node, derr)
	}
	return a.fault(node, raised)
}

// buildRaised assembles the raised error from the definition plus the with
// overrides. Title and detail may embed expressions evaluated against the
// task's transformed input.
func (a *advancement) buildRaised(node *graph.Node, def *dsl.ErrorDefinition, with map[string]any, input any) (*dsl.Error, *dsl.Error) {
	scope := a.scope(node)
	resolveString := func(field, s string) (string, *dsl.Error) {
		if s == "" {
			return "", nil
		}
		v, err := a.engine.eval.ResolveTemplate(s, input, scope)
		if err != nil {
			return "", expressionError(node.Position, err)
		}
		str, ok := v.(string)
		if !ok {
			return "", expressionError(node.Position, fmt.Errorf("error %s must resolve to a string, got %T", field, v))
		}
		return str, nil
	}

	raised := &dsl.Error{Type: def.Type, Status: def.Status}
	var derr *dsl.Error
	if raised.Title, derr = resolveString("title", def.Title); derr != nil {
		return nil, derr
	}
	if raised.Detail, derr = resolveString("detail", def.Detail); derr != nil {
		return nil, derr
	}

	for key, val := range with {
		resolved, err := a.engine.eval.ResolveTemplate(val, input, scope)
		if err != nil {
			return nil, expressionError(node.Position, err)
		}
		switch key {
		case "type":
			if s, ok := resolved.(string); ok {
				raised.Type = s
			}
		case "status":
			switch n := resolved.(type) {
			case int:
				raised.Status = n
			case float64:
				raised.Status = int(n)
			}
		case "title":
			if s, ok := resolved.(string); ok {
				raised.Title = s
			}
		case "detail":
			if s, ok := resolved.(string); ok {
				raised.Detail = s
			}
		case "instance":
			if s, ok := resolved.(string); ok {
				raised.Instance = s
			}
		}
	}
	return raised.WithInstance(node.Position.String()), nil
}

// --- call --------------------------------------------------------------

func (a *advancement) runCall(node *graph.Node, input any) step {
	if a.engine.caller == nil {
		return a.fault(node, configurationError(node.Position, "no caller configured for %q tasks", node.Task.Call))
	}
	scope := a.scope(node)
	resolved, err := a.engine.eval.ResolveTemplate(node.Task.With, input, scope)
	if err != nil {
		return a.fault(node, expressionError(node.Position, err))
	}
	with, _ := resolved.(map[string]any)

	auth, derr := a.resolveCallAuth(node, with, input, scope)
	if derr != nil {
		return a.fault(node, derr)
	}
	delete(with, "authentication")

	req := &call.Request{
		Kind:  node.Task.Call,
		With:  with,
		Input: input,
		Auth:  auth,
	}
	ctx := a.ctx
	if node.Task.Timeout != nil {
		req.Timeout = node.Task.Timeout.After.Value()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(a.ctx, req.Timeout)
		defer cancel()
	}

	out, err := a.engine.caller.Invoke(ctx, req)
	if err != nil {
		var unsupported *call.UnsupportedKindError
		switch {
		case errors.As(err, &unsupported):
			return a.fault(node, configurationError(node.Position, "%v", err))
		case errors.Is(err, context.DeadlineExceeded):
			return a.fault(node, timeoutError(node.Position, fmt.Sprintf("call exceeded %s", node.Task.Timeout.After)))
		default:
			return a.fault(node, asWorkflowError(node.Position, err))
		}
	}
	return step{kind: stepComplete, node: node, value: out}
}

// resolveCallAuth extracts the authentication argument: a string names a
// use.authentications entry, a mapping is an inline policy. Credential
// expressions run with secrets in scope.
func (a *advancement) resolveCallAuth(node *graph.Node, with map[string]any, input any, scope *expr.Scope) (*call.Auth, *dsl.Error) {
	raw, ok := with["authentication"]
	if !ok || raw == nil {
		return nil, nil
	}
	var policy *dsl.Authentication
	switch v := raw.(type) {
	case string:
		policy = a.tree.Workflow.Use.Authentication(v)
		if policy == nil {
			return nil, configurationError(node.Position, "authentication %q is not declared under use.authentications", v)
		}
	case map[string]any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, configurationError(node.Position, "invalid inline authentication: %v", err)
		}
		decoded := new(dsl.Authentication)
		if err := yaml.Unmarshal(data, decoded); err != nil {
			return nil, configurationError(node.Position, "invalid inline authentication: %v", err)
		}
		policy = decoded
	default:
		return nil, configurationError(node.Position, "authentication must be a name or a policy, got %T", raw)
	}
	if policy.Use != "" {
		named := a.tree.Workflow.Use.Authentication(policy.Use)
		if named == nil {
			return nil, configurationError(node.Position, "authentication %q is not declared under use.authentications", policy.Use)
		}
		policy = named
	}
	return a.buildAuth(node, policy, input, scope)
}

func (a *advancement) buildAuth(node *graph.Node, policy *dsl.Authentication, input any, scope *expr.Scope) (*call.Auth, *dsl.Error) {
	resolve := func(s string) (string, *dsl.Error) {
		if s == "" {
			return "", nil
		}
		v, err := a.engine.eval.ResolveTemplate(s, input, scope)
		if err != nil {
			return "", expressionError(node.Position, err)
		}
		str, ok := v.(string)
		if !ok {
			return "", expressionError(node.Position, fmt.Errorf("credential must resolve to a string, got %T", v))
		}
		return str, nil
	}

	out := &call.Auth{Scheme: policy.Scheme()}
	var derr *dsl.Error
	switch out.Scheme {
	case "basic":
		if out.Username, derr = resolve(policy.Basic.Username); derr != nil {
			return nil, derr
		}
		if out.Password, derr = resolve(policy.Basic.Password); derr != nil {
			return nil, derr
		}
	case "bearer":
		if out.Token, derr = resolve(policy.Bearer.Token); derr != nil {
			return nil, derr
		}
	case "oauth2":
		cfg := policy.OAuth2
		tokenURL := cfg.Endpoint
		if tokenURL == "" {
			tokenURL = cfg.Authority
		}
		if tokenURL, derr = resolve(tokenURL); derr != nil {
			return nil, derr
		}
		o := &call.OAuth2{TokenURL: tokenURL, Scopes: cfg.Scopes, Audiences: cfg.Audiences}
		if cfg.Client != nil {
			if o.ClientID, derr = resolve(cfg.Client.ID); derr != nil {
				return nil, derr
			}
			if o.ClientSecret, derr = resolve(cfg.Client.Secret); derr != nil {
				return nil, derr
			}
		}
		out.OAuth2 = o
	default:
		return nil, configurationError(node.Position, "authentication declares no scheme")
	}
	return out, nil
}

// --- emit --------------------------------------------------------------

func (a *advancement) runEmit(node *graph.Node, input any) step {
	if a.engine.events == nil {
		return a.fault(node, configurationError(node.Position, "no event sink configured"))
	}
	event, derr := a.buildEvent(node, input)
	if derr != nil {
		return a.fault(node, derr)
	}
	if err := a.engine.events.Emit(a.ctx, event); err != nil {
		return a.fault(node, asWorkflowError(node.Position, err))
	}
	// The emitted event is the raw output, so downstream tasks can read
	// the generated id and timestamp.
	return step{kind: stepComplete, node: node, value: event}
}

// buildEvent merges the use.events base (when referenced) with the task's
// attributes, resolves templates, and fills the CloudEvent housekeeping
// attributes.
func (a *advancement) buildEvent(node *graph.Node, input any) (map[string]any, *dsl.Error) {
	cfg := node.Task.Emit.Event
	merged := map[string]any{}
	if cfg.Ref != "" {
		base := a.tree.Workflow.Use.Event(cfg.Ref)
		if base == nil {
			return nil, configurationError(node.Position, "event %q is not declared under use.events", cfg.Ref)
		}
		for k, v := range base.With {
			merged[k] = v
		}
	}
	for k, v := range cfg.With {
		merged[k] = v
	}

	resolved, err := a.engine.eval.ResolveTemplate(merged, input, a.scope(node))
	if err != nil {
		return nil, expressionError(node.Position, err)
	}
	event, ok := resolved.(map[string]any)
	if !ok {
		return nil, expressionError(node.Position, fmt.Errorf("event template must resolve to an object, got %T", resolved))
	}

	if _, ok := event["source"]; !ok {
		return nil, configurationError(node.Position, "emitted event declares no source")
	}
	if _, ok := event["type"]; !ok {
		return nil, configurationError(node.Position, "emitted event declares no type")
	}
	if _, ok := event["id"]; !ok {
		event["id"] = uuid.NewString()
	}
	if _, ok := event["specversion"]; !ok {
		event["specversion"] = "1.0"
	}
	if _, ok := event["time"]; !ok {
		event["time"] = a.engine.clock().UTC().Format(time.RFC3339Nano)
	}
	return event, nil
}

// --- listen ------------------------------------------------------------

// suspendListen resolves the listen filters against the current input and
// suspends with a wait descriptor. Correlation expectations are fixed at
// suspension time; the From expressions run later against each candidate
// event.
func (a *advancement) suspendListen(node *graph.Node, st *instance.NodeState) step {
	wait, derr := a.buildWait(node, st.TransformedInputValue())
	if derr != nil {
		return a.fault(node, derr)
	}
	a.wait = wait
	return step{kind: stepSuspend}
}

func (a *advancement) buildWait(node *graph.Node, input any) (*events.Wait, *dsl.Error) {
	cfg := node.Task.Listen
	filters, all := cfg.To.Filters()
	scope := a.scope(node)

	out := &events.Wait{All: all, Read: cfg.Read}
	if out.Read == "" {
		out.Read = "data"
	}
	for _, f := range filters {
		merged := map[string]any{}
		if f.Ref != "" {
			base := a.tree.Workflow.Use.Event(f.Ref)
			if base == nil {
				return nil, configurationError(node.Position, "event %q is not declared under use.events", f.Ref)
			}
			for k, v := range base.With {
				merged[k] = v
			}
		}
		for k, v := range f.With {
			merged[k] = v
		}
		resolved, err := a.engine.eval.ResolveTemplate(merged, input, scope)
		if err != nil {
			return nil, expressionError(node.Position, err)
		}
		with, _ := resolved.(map[string]any)

		filter := &events.Filter{With: with}
		if len(f.Correlate) > 0 {
			filter.Correlate = make(map[string]*events.Correlation, len(f.Correlate))
			for name, c := range f.Correlate {
				var expect any
				if c.Expect != "" {
					expect, err = a.engine.eval.ResolveTemplate(c.Expect, input, scope)
					if err != nil {
						return nil, expressionError(node.Position, err)
					}
				}
				filter.Correlate[name] = &events.Correlation{From: c.From, Expect: expect}
			}
		}
		out.Filters = append(out.Filters, filter)
	}
	return out, nil
}
