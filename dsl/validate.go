package dsl

import (
	"fmt"
)

var callKinds = map[string]struct{}{
	"http":     {},
	"grpc":     {},
	"openapi":  {},
	"asyncapi": {},
}

// Validate statically checks the document. It catches everything that can
// be rejected before execution: missing identity, tasks without a
// recognized kind, duplicate sibling names, dangling then targets, and
// malformed kind clauses.
func (w *Workflow) Validate() error {
	if w.Document.DSL == "" {
		return fmt.Errorf("document.dsl is required")
	}
	if w.Document.Namespace == "" {
		return fmt.Errorf("document.namespace is required")
	}
	if w.Document.Name == "" {
		return fmt.Errorf("document.name is required")
	}
	if w.Document.Version == "" {
		return fmt.Errorf("document.version is required")
	}
	if len(w.Do) == 0 {
		return fmt.Errorf("do must declare at least one task")
	}
	if w.Timeout != nil && w.Timeout.After.Value() <= 0 {
		return fmt.Errorf("timeout.after must be a positive duration")
	}
	if err := w.validateCatalogs(); err != nil {
		return err
	}
	return w.Do.validate("/do", w.Use)
}

func (w *Workflow) validateCatalogs() error {
	if w.Use == nil {
		return nil
	}
	for name, def := range w.Use.Errors {
		if def == nil || def.Type == "" {
			return fmt.Errorf("use.errors.%s: type is required", name)
		}
	}
	for name, pol := range w.Use.Retries {
		if pol == nil {
			return fmt.Errorf("use.retries.%s: policy is required", name)
		}
		if err := validateRetryPolicy(pol); err != nil {
			return fmt.Errorf("use.retries.%s: %w", name, err)
		}
	}
	for name, auth := range w.Use.Authentications {
		if auth.Scheme() == "" {
			return fmt.Errorf("use.authentications.%s: no scheme declared", name)
		}
		if auth.Use != "" {
			return fmt.Errorf("use.authentications.%s: catalog entries cannot reference other entries", name)
		}
	}
	return nil
}

func validateRetryPolicy(p *RetryPolicy) error {
	if p.Delay.Value() < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	if p.Jitter.Value() < 0 {
		return fmt.Errorf("jitter must not be negative")
	}
	if p.Limit != nil && p.Limit.Attempt != nil && p.Limit.Attempt.Count < 0 {
		return fmt.Errorf("limit.attempt.count must not be negative")
	}
	return nil
}

func (l TaskList) validate(path string, use *Use) error {
	seen := make(map[string]struct{}, len(l))
	for _, item := range l {
		if item.Name == "" {
			return fmt.Errorf("%s: task name must not be empty", path)
		}
		if _, dup := seen[item.Name]; dup {
			return fmt.Errorf("%s: duplicate task name %q", path, item.Name)
		}
		seen[item.Name] = struct{}{}
	}
	for i, item := range l {
		taskPath := fmt.Sprintf("%s/%d/%s", path, i, item.Name)
		if err := item.Task.validate(taskPath, l, use); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) validate(path string, siblings TaskList, use *Use) error {
	kinds := 0
	if t.Call != "" {
		kinds++
	}
	if t.Emit != nil {
		kinds++
	}
	if t.For != nil {
		kinds++
	}
	if t.Fork != nil {
		kinds++
	}
	if t.Listen != nil {
		kinds++
	}
	if t.Raise != nil {
		kinds++
	}
	if t.Set != nil {
		kinds++
	}
	if t.Switch != nil {
		kinds++
	}
	if t.Try != nil {
		kinds++
	}
	if t.Wait != nil {
		kinds++
	}
	if t.Do != nil && t.For == nil {
		kinds++
	}
	if kinds == 0 {
		return fmt.Errorf("%s: task declares no recognized kind", path)
	}
	if kinds > 1 {
		return fmt.Errorf("%s: task declares multiple kinds", path)
	}
	if t.While != "" && t.For == nil {
		return fmt.Errorf("%s: while requires a for task", path)
	}
	if t.With != nil && t.Call == "" {
		return fmt.Errorf("%s: with requires a call task", path)
	}
	if t.Catch != nil && t.Try == nil {
		return fmt.Errorf("%s: catch requires a try task", path)
	}
	if err := t.validateFlow(path, siblings); err != nil {
		return err
	}
	if t.Timeout != nil && t.Timeout.After.Value() <= 0 {
		return fmt.Errorf("%s: timeout.after must be a positive duration", path)
	}
	return t.validateKind(path, use)
}

func (t *Task) validateFlow(path string, siblings TaskList) error {
	if t.Then.IsSibling() && siblings.Index(string(t.Then)) < 0 {
		return fmt.Errorf("%s: then targets unknown sibling %q", path, t.Then)
	}
	for _, c := range t.Switch {
		if c.Then.IsSibling() && siblings.Index(string(c.Then)) < 0 {
			return fmt.Errorf("%s: switch case %q targets unknown sibling %q", path, c.Name, c.Then)
		}
	}
	return nil
}

func (t *Task) validateKind(path string, use *Use) error {
	switch t.Kind() {
	case KindDo:
		if len(t.Do) == 0 {
			return fmt.Errorf("%s: do must declare at least one task", path)
		}
		return t.Do.validate(path+"/do", use)

	case KindFor:
		if t.For.In == "" {
			return fmt.Errorf("%s: for.in is required", path)
		}
		if len(t.Do) == 0 {
			return fmt.Errorf("%s: for requires a do body", path)
		}
		return t.Do.validate(path+"/do", use)

	case KindSwitch:
		if len(t.Switch) == 0 {
			return fmt.Errorf("%s: switch must declare at least one case", path)
		}
		for _, c := range t.Switch {
			if c.Then == "" {
				return fmt.Errorf("%s: switch case %q has no then directive", path, c.Name)
			}
		}
		return nil

	case KindFork:
		if t.Fork.Compete {
			return fmt.Errorf("%s: fork.compete is not supported", path)
		}
		if len(t.Fork.Branches) == 0 {
			return fmt.Errorf("%s: fork must declare at least one branch", path)
		}
		return t.Fork.Branches.validate(path+"/fork/branches", use)

	case KindTry:
		if len(t.Try) == 0 {
			return fmt.Errorf("%s: try must declare at least one task", path)
		}
		if err := t.Try.validate(path+"/try", use); err != nil {
			return err
		}
		if t.Catch != nil {
			if t.Catch.Retry != nil && t.Catch.Retry.Ref != "" && use.Retry(t.Catch.Retry.Ref) == nil {
				return fmt.Errorf("%s: catch.retry references unknown policy %q", path, t.Catch.Retry.Ref)
			}
			if t.Catch.Retry != nil && t.Catch.Retry.Policy != nil {
				if err := validateRetryPolicy(t.Catch.Retry.Policy); err != nil {
					return fmt.Errorf("%s: catch.retry: %w", path, err)
				}
			}
			if len(t.Catch.Do) > 0 {
				return t.Catch.Do.validate(path+"/catch/do", use)
			}
		}
		return nil

	case KindSet:
		if t.Set.Expr == "" && t.Set.Values == nil {
			return fmt.Errorf("%s: set must provide a value", path)
		}
		return nil

	case KindRaise:
		if t.Raise.Error == nil {
			return fmt.Errorf("%s: raise.error is required", path)
		}
		if ref := t.Raise.Error.Ref; ref != "" && use.Error(ref) == nil {
			return fmt.Errorf("%s: raise references unknown error %q", path, ref)
		}
		if def := t.Raise.Error.Definition; def != nil && def.Type == "" {
			return fmt.Errorf("%s: raise.error.type is required", path)
		}
		return nil

	case KindWait:
		if t.Wait.Value() <= 0 {
			return fmt.Errorf("%s: wait must be a positive duration", path)
		}
		return nil

	case KindCall:
		if _, ok := callKinds[t.Call]; !ok {
			return fmt.Errorf("%s: unknown call kind %q", path, t.Call)
		}
		return nil

	case KindListen:
		if t.Listen.To == nil {
			return fmt.Errorf("%s: listen.to is required", path)
		}
		strategies := 0
		if t.Listen.To.One != nil {
			strategies++
		}
		if len(t.Listen.To.Any) > 0 {
			strategies++
		}
		if len(t.Listen.To.All) > 0 {
			strategies++
		}
		if strategies != 1 {
			return fmt.Errorf("%s: listen.to must declare exactly one of one, any, all", path)
		}
		switch t.Listen.Read {
		case "", "data", "envelope":
		default:
			return fmt.Errorf("%s: listen.read must be data or envelope, got %q", path, t.Listen.Read)
		}
		filters, _ := t.Listen.To.Filters()
		for _, f := range filters {
			if f.Ref != "" && use.Event(f.Ref) == nil {
				return fmt.Errorf("%s: listen references unknown event %q", path, f.Ref)
			}
			if f.Ref == "" && len(f.With) == 0 && len(f.Correlate) == 0 {
				return fmt.Errorf("%s: listen filter is empty", path)
			}
		}
		return nil

	case KindEmit:
		if t.Emit.Event == nil {
			return fmt.Errorf("%s: emit.event is required", path)
		}
		ev := t.Emit.Event
		if ev.Ref != "" && use.Event(ev.Ref) == nil {
			return fmt.Errorf("%s: emit references unknown event %q", path, ev.Ref)
		}
		if ev.Ref == "" && len(ev.With) == 0 {
			return fmt.Errorf("%s: emit.event.with is required", path)
		}
		return nil

	default:
		return fmt.Errorf("%s: task declares no recognized kind", path)
	}
}
