package engine

import (
	"gopkg.in/yaml.v3"

	"github.com/flowd-io/flowd/expr"
	"github.com/flowd-io/flowd/graph"
	"github.com/flowd-io/flowd/instance"
)

// SecretSource resolves the names a workflow declares under use.secrets.
// Missing names resolve to null in expressions rather than failing, so a
// workflow can probe optional secrets.
type SecretSource interface {
	Lookup(name string) (string, bool)
}

// RuntimeInfo names the engine inside $runtime bindings.
type RuntimeInfo struct {
	Name     string
	Version  string
	Metadata map[string]string
}

// scopeFor assembles the bindings visible to expressions at a node: the
// workflow descriptor, global context, runtime descriptor, resolved secrets,
// variables accumulated along the ancestry (deeper shadows shallower), and
// the task descriptor of the node itself.
//
// withSecrets=false masks $secrets with an empty object. Export expressions
// run masked so secret values can never reach the global context.
func (e *Engine) scopeFor(tree *graph.Tree, inst *instance.Instance, node *graph.Node, withSecrets bool) *expr.Scope {
	ctx := inst.Context()
	if ctx == nil {
		ctx = map[string]any{}
	}
	secrets := map[string]any{}
	if withSecrets {
		secrets = e.secretValues(tree)
	}
	scope := expr.NewScope().WithAll(map[string]any{
		"workflow": e.workflowDescriptor(tree, inst),
		"context":  ctx,
		"runtime":  e.runtimeDescriptor(),
		"secrets":  secrets,
	})
	for _, anc := range ancestry(node) {
		if st := inst.State(anc.Position.String()); st != nil && len(st.Variables) > 0 {
			scope = scope.WithAll(st.Variables)
		}
	}
	if node != nil && !node.IsRoot() {
		scope = scope.With("task", e.taskDescriptor(inst, node))
	}
	return scope
}

func (e *Engine) runtimeDescriptor() map[string]any {
	meta := map[string]any{}
	for k, v := range e.runtime.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"name":     e.runtime.Name,
		"version":  e.runtime.Version,
		"metadata": meta,
	}
}

// ancestry returns the chain root-first down to the node itself.
func ancestry(node *graph.Node) []*graph.Node {
	var chain []*graph.Node
	for n := node; n != nil; n = n.Parent {
		chain = append(chain, n)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (e *Engine) workflowDescriptor(tree *graph.Tree, inst *instance.Instance) map[string]any {
	root := inst.Root()
	d := map[string]any{
		"id":         inst.ID(),
		"definition": e.definitionValue(tree.Workflow, tree.Workflow),
		"input":      root.RawInputValue(),
	}
	if root.Started() {
		d["startedAt"] = root.StartedTime()
	}
	return d
}

func (e *Engine) taskDescriptor(inst *instance.Instance, node *graph.Node) map[string]any {
	d := map[string]any{
		"name":       node.Name,
		"reference":  node.Position.String(),
		"definition": e.definitionValue(node.Task, node.Task),
	}
	if st := inst.State(node.Position.String()); st != nil {
		if st.HasTransformedInput() {
			d["input"] = st.TransformedInputValue()
		}
		if st.HasTransformedOutput() {
			d["output"] = st.TransformedOutputValue()
		}
		if st.Started() {
			d["startedAt"] = st.StartedTime()
		}
	}
	return d
}

// secretValues resolves the workflow's declared secret names into the
// $secrets object. Undeclared names are never exposed.
func (e *Engine) secretValues(tree *graph.Tree) map[string]any {
	names := tree.Workflow.Use.SecretNames()
	if len(names) == 0 || e.secrets == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if v, ok := e.secrets.Lookup(name); ok {
			out[name] = v
		} else {
			out[name] = nil
		}
	}
	return out
}

// definitionValue renders a definition struct as the JSON-normal object
// expressions see under $workflow.definition and $task.definition. Trees
// are cached and shared, so pointer identity is a stable cache key.
func (e *Engine) definitionValue(key any, def any) any {
	e.defMu.RLock()
	v, ok := e.defs[key]
	e.defMu.RUnlock()
	if ok {
		return v
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil
	}
	var decoded any
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	v = expr.Normalize(decoded)
	e.defMu.Lock()
	if e.defs == nil {
		e.defs = map[any]any{}
	}
	e.defs[key] = v
	e.defMu.Unlock()
	return v
}
