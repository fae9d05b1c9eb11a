package graph

import (
	"fmt"
	"strings"

	"github.com/flowd-io/flowd/dsl"
)

// Node is one immutable location in the task tree.
type Node struct {
	// Position addresses the node.
	Position Position
	// Kind is the task kind; the root is a synthetic Do over the top-level
	// task list.
	Kind dsl.TaskKind
	// Name is the task's sibling-unique name; empty for the root.
	Name string
	// Task is the task definition; the root carries a synthetic one.
	Task *dsl.Task
	// Parent is nil for the root.
	Parent *Node
	// Children holds the primary ordered children: the do body for Do and
	// For, the try block for Try, the branches for Fork.
	Children []*Node
	// CatchChildren holds the catch.do body of a Try node.
	CatchChildren []*Node
	// GroupIndex is the node's index within its sibling group.
	GroupIndex int
	// InCatch marks nodes whose sibling group is a catch body.
	InCatch bool

	childByName map[string]int
}

// IsRoot reports whether the node is the tree root.
func (n *Node) IsRoot() bool {
	return n.Parent == nil
}

// ChildNamed returns the primary child with the given name, or nil.
func (n *Node) ChildNamed(name string) *Node {
	i, ok := n.childByName[name]
	if !ok {
		return nil
	}
	return n.Children[i]
}

// Siblings returns the sibling group the node belongs to.
func (n *Node) Siblings() []*Node {
	if n.Parent == nil {
		return []*Node{n}
	}
	if n.InCatch {
		return n.Parent.CatchChildren
	}
	return n.Parent.Children
}

// NextSibling returns the following sibling in declaration order, or nil.
func (n *Node) NextSibling() *Node {
	group := n.Siblings()
	if n.Parent == nil || n.GroupIndex+1 >= len(group) {
		return nil
	}
	return group[n.GroupIndex+1]
}

// SiblingNamed resolves a then directive target within the node's group.
func (n *Node) SiblingNamed(name string) *Node {
	for _, s := range n.Siblings() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Tree is the immutable node tree of one workflow document.
type Tree struct {
	Workflow *dsl.Workflow
	Root     *Node

	byPosition map[string]*Node
}

// Build constructs the full tree for a validated document.
func Build(wf *dsl.Workflow) (*Tree, error) {
	t := &Tree{
		Workflow:   wf,
		byPosition: make(map[string]*Node),
	}
	root := &Node{
		Position: Root(),
		Kind:     dsl.KindDo,
		Task:     &dsl.Task{Do: wf.Do},
	}
	t.register(root)
	if err := t.buildList(root, root.Position.Append(TokenDo), wf.Do, false); err != nil {
		return nil, err
	}
	t.Root = root
	return t, nil
}

// NodeAt returns the node at the given position.
func (t *Tree) NodeAt(pos Position) (*Node, bool) {
	n, ok := t.byPosition[pos.String()]
	return n, ok
}

// NodeAtString parses and resolves a position string.
func (t *Tree) NodeAtString(s string) (*Node, error) {
	pos, err := ParsePosition(s)
	if err != nil {
		return nil, err
	}
	n, ok := t.NodeAt(pos)
	if !ok {
		return nil, fmt.Errorf("no node at position %s", s)
	}
	return n, nil
}

func (t *Tree) register(n *Node) {
	t.byPosition[n.Position.String()] = n
}

// buildList attaches one sibling group under base (already extended with
// the structural tokens). inCatch marks catch bodies; the group lands in
// parent.CatchChildren instead of parent.Children.
func (t *Tree) buildList(parent *Node, base Position, list dsl.TaskList, inCatch bool) error {
	group := make([]*Node, 0, len(list))
	byName := make(map[string]int, len(list))
	for i, item := range list {
		if strings.Contains(item.Name, "/") {
			return fmt.Errorf("task name %q must not contain '/'", item.Name)
		}
		node := &Node{
			Position:   base.AppendIndex(i).Append(item.Name),
			Kind:       item.Task.Kind(),
			Name:       item.Name,
			Task:       item.Task,
			Parent:     parent,
			GroupIndex: i,
			InCatch:    inCatch,
		}
		t.register(node)
		if err := t.buildChildren(node); err != nil {
			return err
		}
		group = append(group, node)
		byName[item.Name] = i
	}
	if inCatch {
		parent.CatchChildren = group
	} else {
		parent.Children = group
		parent.childByName = byName
	}
	return nil
}

func (t *Tree) buildChildren(n *Node) error {
	switch n.Kind {
	case dsl.KindDo, dsl.KindFor:
		return t.buildList(n, n.Position.Append(TokenDo), n.Task.Do, false)
	case dsl.KindTry:
		if err := t.buildList(n, n.Position.Append(TokenTry), n.Task.Try, false); err != nil {
			return err
		}
		if n.Task.Catch != nil && len(n.Task.Catch.Do) > 0 {
			return t.buildList(n, n.Position.Append(TokenCatch).Append(TokenDo), n.Task.Catch.Do, true)
		}
		return nil
	case dsl.KindFork:
		return t.buildList(n, n.Position.Append(TokenFork).Append(TokenBranches), n.Task.Fork.Branches, false)
	default:
		return nil
	}
}
