package engine

import (
	"github.com/flowd-io/flowd/dsl"
	"github.com/flowd-io/flowd/graph"
	"github.com/flowd-io/flowd/instance"
)

// bubble propagates a raised error from its origin toward the root. The
// first enclosing Try whose catch elects the error handles it; an error
// that escapes the root faults the workflow. A Try never catches errors
// raised by its own gates or inside its own catch body.
func (a *advancement) bubble(origin *graph.Node, raised *dsl.Error) step {
	raised = raised.WithInstance(origin.Position.String())
	a.engine.logger.Debug("error raised",
		"instance", a.inst.ID(),
		"position", origin.Position.String(),
		"type", raised.Type,
		"status", raised.Status)

	for anc := origin.Parent; anc != nil; anc = anc.Parent {
		if anc.Kind != dsl.KindTry || anc.Task.Catch == nil {
			continue
		}
		if !anc.Position.UnderToken(origin.Position, graph.TokenTry) {
			continue
		}
		st := a.inst.State(anc.Position.String())
		if st == nil {
			continue
		}
		caught, cerr := a.catchElects(anc, st, raised)
		if cerr != nil {
			// A broken catch filter is itself an error at the try node.
			return a.bubble(anc, cerr)
		}
		if !caught {
			continue
		}
		return a.handleCaught(anc, st, raised)
	}
	return a.terminate(raised)
}

// catchElects applies the structural filter, then when/exceptWhen with the
// error bound under the catch's error variable.
func (a *advancement) catchElects(try *graph.Node, st *instance.NodeState, raised *dsl.Error) (bool, *dsl.Error) {
	c := try.Task.Catch
	if c.Errors != nil && c.Errors.With != nil && !c.Errors.With.Matches(raised) {
		return false, nil
	}
	if c.When == "" && c.ExceptWhen == "" {
		return true, nil
	}
	scope := a.scope(try).With(c.ErrorVar(), raised.ToMap())
	input := st.TransformedInputValue()
	if c.When != "" {
		ok, err := a.engine.eval.EvalBool(c.When, input, scope)
		if err != nil {
			return false, expressionError(try.Position, err)
		}
		if !ok {
			return false, nil
		}
	}
	if c.ExceptWhen != "" {
		excluded, err := a.engine.eval.EvalBool(c.ExceptWhen, input, scope)
		if err != nil {
			return false, expressionError(try.Position, err)
		}
		if excluded {
			return false, nil
		}
	}
	return true, nil
}

// handleCaught runs the catch algorithm for an elected error: retry while
// the policy permits, then the catch body, then either rethrow (retries
// exhausted) or quiet completion (never retried).
func (a *advancement) handleCaught(try *graph.Node, st *instance.NodeState, raised *dsl.Error) step {
	c := try.Task.Catch
	policy, perr := a.resolveRetry(try, c.Retry)
	if perr != nil {
		return a.bubble(try, perr)
	}
	if policy != nil {
		wanted, werr := a.retryWanted(try, st, policy, raised)
		if werr != nil {
			return a.bubble(try, werr)
		}
		if wanted {
			if !retryExhausted(policy, st.Attempts(), st.StartedTime(), a.engine.clock(), a.engine.maxRetryAttempts) {
				return a.scheduleRetry(try, st, policy, raised)
			}
			if len(try.CatchChildren) == 0 {
				// Retries exhausted and nothing to run: the original error
				// stands and keeps bubbling.
				return a.bubble(try, raised)
			}
		}
	}
	st.CaughtError = raised
	if len(try.CatchChildren) > 0 {
		st.SetVar(c.ErrorVar(), raised.ToMap())
		first := try.CatchChildren[0]
		st.SetChild(first.GroupIndex)
		return step{kind: stepStart, node: first, value: st.TransformedInputValue()}
	}
	// Caught with no catch body and no retry path: the try completes with
	// its input passing through.
	return step{kind: stepComplete, node: try, value: st.TransformedInputValue()}
}

// resolveRetry resolves a retry reference against use.retries.
func (a *advancement) resolveRetry(try *graph.Node, ref *dsl.RetryRef) (*dsl.RetryPolicy, *dsl.Error) {
	if ref == nil {
		return nil, nil
	}
	if ref.Policy != nil {
		return ref.Policy, nil
	}
	policy := a.tree.Workflow.Use.Retry(ref.Ref)
	if policy == nil {
		return nil, configurationError(try.Position, "retry %q is not declared under use.retries", ref.Ref)
	}
	return policy, nil
}

// retryWanted applies the policy's when/exceptWhen gates.
func (a *advancement) retryWanted(try *graph.Node, st *instance.NodeState, policy *dsl.RetryPolicy, raised *dsl.Error) (bool, *dsl.Error) {
	if policy.When == "" && policy.ExceptWhen == "" {
		return true, nil
	}
	scope := a.scope(try).With(try.Task.Catch.ErrorVar(), raised.ToMap())
	input := st.TransformedInputValue()
	if policy.When != "" {
		ok, err := a.engine.eval.EvalBool(policy.When, input, scope)
		if err != nil {
			return false, expressionError(try.Position, err)
		}
		if !ok {
			return false, nil
		}
	}
	if policy.ExceptWhen != "" {
		excluded, err := a.engine.eval.EvalBool(policy.ExceptWhen, input, scope)
		if err != nil {
			return false, expressionError(try.Position, err)
		}
		if excluded {
			return false, nil
		}
	}
	return true, nil
}

// scheduleRetry suspends the advancement with the try block reset and the
// active position at the try's first child, to be redelivered after the
// computed delay.
func (a *advancement) scheduleRetry(try *graph.Node, st *instance.NodeState, policy *dsl.RetryPolicy, raised *dsl.Error) step {
	attempts := st.Attempts()
	delay := retryDelay(policy, attempts, a.inst.ID(), try.Position.String(), a.engine.maxRetryDelay)
	st.SetAttempts(attempts + 1)
	st.SetNextDelay(delay)
	st.CaughtError = raised

	a.resetChildren(try)
	first := try.Children[0]
	firstState := a.inst.EnsureState(first.Position.String())
	firstState.SetRawInput(st.TransformedInputValue())
	st.SetChild(0)

	a.inst.Position = first.Position.String()
	a.delay = delay
	a.engine.logger.Info("retry scheduled",
		"instance", a.inst.ID(),
		"try", try.Position.String(),
		"attempt", attempts+1,
		"delay", delay,
		"type", raised.Type)
	return step{kind: stepSuspend}
}
