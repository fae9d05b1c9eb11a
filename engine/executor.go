package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flowd-io/flowd/call"
	"github.com/flowd-io/flowd/dsl"
	"github.com/flowd-io/flowd/events"
	"github.com/flowd-io/flowd/expr"
	"github.com/flowd-io/flowd/graph"
	"github.com/flowd-io/flowd/instance"
	"github.com/flowd-io/flowd/schema"
)

// maxSteps bounds a single advancement. A workflow that performs this many
// steps without suspending is assumed to loop and is faulted rather than
// pinning the consumer.
const maxSteps = 1 << 16

// EventSink publishes the events emit tasks produce.
type EventSink interface {
	Emit(ctx context.Context, event map[string]any) error
}

// Options configure an Engine. Nil collaborators are permitted: a nil
// Caller faults call tasks and a nil EventSink faults emit tasks with a
// configuration error when first used.
type Options struct {
	Caller        call.Caller
	Events        EventSink
	Secrets       SecretSource
	Runtime       RuntimeInfo
	Clock         func() time.Time
	MaxRetryDelay time.Duration
	// MaxRetryAttempts caps retries of policies that declare no attempt
	// count of their own. Zero leaves such policies unbounded.
	MaxRetryAttempts int
	Logger           *slog.Logger
}

// Engine advances workflow instances. It is stateless between calls apart
// from immutable caches (node trees, compiled expressions and schemas,
// definition descriptors) and safe for concurrent use; each Advance owns
// its instance exclusively.
type Engine struct {
	eval             *expr.Evaluator
	schemas          *schema.Validator
	trees            *graph.Cache
	caller           call.Caller
	events           EventSink
	secrets          SecretSource
	runtime          RuntimeInfo
	clock            func() time.Time
	maxRetryDelay    time.Duration
	maxRetryAttempts int
	logger           *slog.Logger

	defMu sync.RWMutex
	defs  map[any]any
}

// New returns an engine with the given collaborators.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := opts.Runtime
	if rt.Name == "" {
		rt.Name = "flowd"
	}
	if rt.Version == "" {
		rt.Version = "dev"
	}
	maxDelay := opts.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	return &Engine{
		eval:             expr.NewEvaluator(),
		schemas:          schema.NewValidator(),
		trees:            graph.NewCache(),
		caller:           opts.Caller,
		events:           opts.Events,
		secrets:          opts.Secrets,
		runtime:          rt,
		clock:            clock,
		maxRetryDelay:    maxDelay,
		maxRetryAttempts: opts.MaxRetryAttempts,
		logger:           logger,
		defs:             map[any]any{},
	}
}

// InvalidateDefinition drops cached artifacts of a workflow definition,
// e.g. after the definition was replaced or deleted.
func (e *Engine) InvalidateDefinition(name, version string) {
	e.trees.Invalidate(name, version)
}

// Advance runs one advancement: from the message's active position through
// as much of the tree as possible without blocking, to the next suspension
// point or a terminal status. The returned error covers infrastructure
// failures only (cancelled context, unresolvable message); workflow faults
// are reported inside the Outcome.
func (e *Engine) Advance(ctx context.Context, wf *dsl.Workflow, msg *instance.Message) (*Outcome, error) {
	tree, err := e.trees.Get(wf)
	if err != nil {
		return nil, fmt.Errorf("building node tree for %s: %w", wf.Key(), err)
	}
	if msg.Status.Terminal() {
		return nil, fmt.Errorf("message for %s/%s is already %s: %w", msg.Name, msg.Version, msg.Status, errAdvanceInterrupted)
	}
	inst := instance.FromMessage(msg)
	entry, err := tree.NodeAtString(inst.Position)
	if err != nil {
		return nil, fmt.Errorf("resolving active position: %w", err)
	}

	adv := &advancement{engine: e, ctx: ctx, tree: tree, inst: inst}
	e.logger.Debug("advancing instance",
		"instance", inst.ID(),
		"workflow", wf.Key(),
		"position", inst.Position)
	out, err := adv.run(entry)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("advancement finished",
		"instance", inst.ID(),
		"workflow", wf.Key(),
		"status", out.Status,
		"position", inst.Position,
		"delay", out.Delay)
	return out, nil
}

// stepKind drives the advancement loop.
type stepKind int

const (
	// stepStart begins or resumes the node with the given input value.
	stepStart stepKind = iota
	// stepComplete runs the output side of the data-flow contract on the
	// node's raw output, then resolves the flow directive.
	stepComplete
	// stepFault bubbles an error from the node toward the root.
	stepFault
	// stepSuspend exits the loop with a WAITING outcome.
	stepSuspend
	// stepHalt exits the loop with a terminal outcome already recorded.
	stepHalt
)

type step struct {
	kind      stepKind
	node      *graph.Node
	value     any
	directive dsl.FlowDirective
	err       *dsl.Error
}

// advancement is the working state of a single Advance call.
type advancement struct {
	engine *Engine
	ctx    context.Context
	tree   *graph.Tree
	inst   *instance.Instance

	delay  time.Duration
	wait   *events.Wait
	output any
}

func (a *advancement) run(entry *graph.Node) (*Outcome, error) {
	a.inst.Status = instance.StatusRunning
	cur := step{kind: stepStart, node: entry}
	for steps := 0; ; steps++ {
		if err := a.ctx.Err(); err != nil {
			return nil, fmt.Errorf("advancement of %s interrupted: %w", a.inst.ID(), err)
		}
		if steps >= maxSteps {
			pos := graph.Root()
			if cur.node != nil {
				pos = cur.node.Position
			}
			a.terminate(runtimeError(pos, fmt.Errorf("advancement exceeded %d steps without suspending", maxSteps)))
			return a.outcome(), nil
		}
		switch cur.kind {
		case stepStart:
			cur = a.startNode(cur.node, cur.value)
		case stepComplete:
			cur = a.completeNode(cur.node, cur.value, cur.directive)
		case stepFault:
			cur = a.bubble(cur.node, cur.err)
		case stepSuspend:
			a.inst.Status = instance.StatusWaiting
			return a.outcome(), nil
		case stepHalt:
			return a.outcome(), nil
		}
	}
}

func (a *advancement) outcome() *Outcome {
	return &Outcome{
		Message:   a.inst.Message(),
		Status:    a.inst.Status,
		Delay:     a.delay,
		EventWait: a.wait,
		Output:    a.output,
	}
}

// startNode runs steps 1-4 of the per-node contract: input schema, input
// transform, the if guard, then the task body. Nodes that already started
// are dispatched to their resume path instead.
func (a *advancement) startNode(node *graph.Node, input any) step {
	pos := node.Position.String()
	a.inst.Position = pos
	st := a.inst.EnsureState(pos)
	now := a.engine.clock()

	if wfErr := a.workflowTimedOut(now); wfErr != nil {
		return a.terminate(wfErr)
	}

	if st.Started() {
		return a.resumeNode(node, st, now)
	}

	if !st.HasRawInput() {
		st.SetRawInput(expr.Normalize(input))
	}
	st.MarkStarted(now)

	raw := st.RawInputValue()
	scope := a.scope(node)
	in, _, _ := a.gates(node)

	if in != nil && in.Schema != nil {
		if err := a.engine.schemas.Validate(in.Schema, raw); err != nil {
			return a.fault(node, a.schemaFault(node, "input", err))
		}
	}
	transformed := raw
	if in != nil && in.From != nil {
		v, err := a.engine.eval.ResolveTransform(in.From, raw, scope)
		if err != nil {
			return a.fault(node, expressionError(node.Position, err))
		}
		transformed = v
	}
	st.SetTransformedInput(transformed)

	if node.Task.If != "" && !node.IsRoot() {
		ok, err := a.engine.eval.EvalBool(node.Task.If, transformed, scope)
		if err != nil {
			return a.fault(node, expressionError(node.Position, err))
		}
		if !ok {
			// Skipped: the raw input passes through untouched and the
			// output gates and export never run.
			st.SetRawOutput(raw)
			st.SetTransformedOutput(raw)
			return a.flow(node, raw, node.Task.Then)
		}
	}

	return a.startBody(node, st, transformed)
}

// resumeNode re-enters a node that suspended in an earlier advancement.
func (a *advancement) resumeNode(node *graph.Node, st *instance.NodeState, now time.Time) step {
	if node.Task.Timeout != nil && !node.IsRoot() {
		if now.Sub(st.StartedTime()) > node.Task.Timeout.After.Value() {
			return a.fault(node, timeoutError(node.Position, fmt.Sprintf("task exceeded %s", node.Task.Timeout.After)))
		}
	}
	switch node.Kind {
	case dsl.KindWait:
		// The scheduler held the message for the full duration.
		return step{kind: stepComplete, node: node, value: st.TransformedInputValue()}
	case dsl.KindListen:
		if st.HasRawOutput() {
			// The correlator injected the matched event.
			return step{kind: stepComplete, node: node, value: st.RawOutputValue()}
		}
		return a.suspendListen(node, st)
	default:
		return a.fault(node, runtimeError(node.Position, fmt.Errorf("%s task cannot resume", node.Kind)))
	}
}

// completeNode runs steps 5-8: output transform, output schema, context
// export, then the flow directive. The root completing completes the
// workflow.
func (a *advancement) completeNode(node *graph.Node, raw any, directive dsl.FlowDirective) step {
	pos := node.Position.String()
	st := a.inst.EnsureState(pos)
	st.SetRawOutput(expr.Normalize(raw))
	scope := a.scope(node)
	_, out, export := a.gates(node)

	transformed := st.RawOutputValue()
	if out != nil && out.As != nil {
		v, err := a.engine.eval.ResolveTransform(out.As, transformed, scope)
		if err != nil {
			return a.fault(node, expressionError(node.Position, err))
		}
		transformed = v
	}
	if out != nil && out.Schema != nil {
		if err := a.engine.schemas.Validate(out.Schema, transformed); err != nil {
			return a.fault(node, a.schemaFault(node, "output", err))
		}
	}
	st.SetTransformedOutput(transformed)

	if export != nil {
		exported := transformed
		if export.As != nil {
			// Secrets are masked here so they can never reach the context.
			v, err := a.engine.eval.ResolveTransform(export.As, transformed, a.scopeMasked(node))
			if err != nil {
				return a.fault(node, expressionError(node.Position, err))
			}
			exported = v
		}
		if export.Schema != nil {
			if err := a.engine.schemas.Validate(export.Schema, exported); err != nil {
				// The previous context stays in place.
				return a.fault(node, a.schemaFault(node, "export", err))
			}
		}
		a.inst.SetContext(exported)
	}

	if node.Kind == dsl.KindTry {
		// Successful completion closes the retry bookkeeping.
		st.AttemptIndex = nil
		st.NextDelay = nil
	}

	if node.IsRoot() {
		a.output = transformed
		a.inst.Status = instance.StatusCompleted
		return step{kind: stepHalt}
	}
	if directive == "" {
		directive = node.Task.Then
	}
	return a.flow(node, transformed, directive)
}

// flow resolves where execution goes after a node produced its transformed
// output.
func (a *advancement) flow(node *graph.Node, output any, directive dsl.FlowDirective) step {
	switch {
	case directive.IsSibling():
		target := node.SiblingNamed(string(directive))
		if target == nil {
			return a.fault(node, configurationError(node.Position, "then target %q is not a sibling of %q", directive, node.Name))
		}
		// The jump may go backward; the target subtree starts fresh.
		a.resetSubtree(target.Position, true)
		if node.Parent != nil {
			a.inst.EnsureState(node.Parent.Position.String()).SetChild(target.GroupIndex)
		}
		return step{kind: stepStart, node: target, value: output}
	case directive == dsl.FlowEnd:
		return step{kind: stepComplete, node: a.tree.Root, value: output}
	case directive == dsl.FlowExit:
		return step{kind: stepComplete, node: node.Parent, value: output}
	default:
		return a.completeChild(node.Parent, node, output)
	}
}

// completeChild is the composite fan-in: the parent decides what follows a
// completed child.
func (a *advancement) completeChild(parent *graph.Node, child *graph.Node, output any) step {
	if parent == nil {
		return step{kind: stepComplete, node: child, value: output}
	}
	pst := a.inst.EnsureState(parent.Position.String())
	switch parent.Kind {
	case dsl.KindDo, dsl.KindTry:
		return a.nextSibling(parent, child, output)
	case dsl.KindFor:
		if next := child.NextSibling(); next != nil {
			pst.SetChild(next.GroupIndex)
			return step{kind: stepStart, node: next, value: output}
		}
		return a.nextIteration(parent, pst, output)
	case dsl.KindFork:
		if next := child.NextSibling(); next != nil {
			pst.SetChild(next.GroupIndex)
			// Every branch receives the fork's own transformed input.
			return step{kind: stepStart, node: next, value: pst.TransformedInputValue()}
		}
		return step{kind: stepComplete, node: parent, value: a.forkOutput(parent)}
	default:
		return a.fault(parent, runtimeError(parent.Position, fmt.Errorf("%s task cannot own children", parent.Kind)))
	}
}

func (a *advancement) nextSibling(parent, child *graph.Node, output any) step {
	if next := child.NextSibling(); next != nil {
		a.inst.EnsureState(parent.Position.String()).SetChild(next.GroupIndex)
		return step{kind: stepStart, node: next, value: output}
	}
	return step{kind: stepComplete, node: parent, value: output}
}

// forkOutput aggregates branch outputs keyed by branch name.
func (a *advancement) forkOutput(fork *graph.Node) any {
	out := make(map[string]any, len(fork.Children))
	for _, branch := range fork.Children {
		if st := a.inst.State(branch.Position.String()); st != nil {
			out[branch.Name] = st.TransformedOutputValue()
		}
	}
	return out
}

func (a *advancement) fault(node *graph.Node, err *dsl.Error) step {
	return step{kind: stepFault, node: node, err: err}
}

// terminate records a FAULTED status. Used for uncaught and uncatchable
// errors.
func (a *advancement) terminate(err *dsl.Error) step {
	a.inst.Status = instance.StatusFaulted
	a.inst.Error = err
	a.engine.logger.Warn("workflow faulted",
		"instance", a.inst.ID(),
		"workflow", a.tree.Workflow.Key(),
		"type", err.Type,
		"detail", err.Detail,
		"at", err.Instance)
	return step{kind: stepHalt}
}

func (a *advancement) workflowTimedOut(now time.Time) *dsl.Error {
	t := a.tree.Workflow.Timeout
	if t == nil {
		return nil
	}
	root := a.inst.Root()
	if !root.Started() {
		return nil
	}
	if now.Sub(root.StartedTime()) > t.After.Value() {
		return timeoutError(graph.Root(), fmt.Sprintf("workflow exceeded %s", t.After))
	}
	return nil
}

// gates returns the node's data-flow configuration; the root uses the
// workflow-level input and output and never exports.
func (a *advancement) gates(node *graph.Node) (*dsl.Input, *dsl.Output, *dsl.Export) {
	if node.IsRoot() {
		return a.tree.Workflow.Input, a.tree.Workflow.Output, nil
	}
	return node.Task.Input, node.Task.Output, node.Task.Export
}

func (a *advancement) schemaFault(node *graph.Node, gate string, err error) *dsl.Error {
	if schema.IsValidation(err) {
		return validationError(node.Position, "%s schema rejected value: %v", gate, err)
	}
	return configurationError(node.Position, "%s schema is invalid: %v", gate, err)
}

func (a *advancement) scope(node *graph.Node) *expr.Scope {
	return a.engine.scopeFor(a.tree, a.inst, node, true)
}

func (a *advancement) scopeMasked(node *graph.Node) *expr.Scope {
	return a.engine.scopeFor(a.tree, a.inst, node, false)
}

// resetChildren drops the states of every descendant, keeping the node's
// own state. Used when a try block or for body re-runs.
func (a *advancement) resetChildren(node *graph.Node) {
	prefix := node.Position.String() + "/"
	for key := range a.inst.States {
		if strings.HasPrefix(key, prefix) {
			delete(a.inst.States, key)
		}
	}
}

// resetSubtree drops the states of a position and everything below it.
func (a *advancement) resetSubtree(pos graph.Position, includeSelf bool) {
	s := pos.String()
	prefix := s + "/"
	for key := range a.inst.States {
		if (includeSelf && key == s) || strings.HasPrefix(key, prefix) {
			delete(a.inst.States, key)
		}
	}
}
