// Package tree is the local replica of the project hierarchy.
//
// A Controller owns an ordered tree of Nodes under a hidden root. Every
// structural change goes through the Controller so that the parent
// back-reference of each node always matches the one children list that
// contains it, and so that a remote record id maps to at most one node.
//
// The Controller is single-writer: mutations are expected to come from one
// coordinating goroutine. Readers on other goroutines use View. Filtered and
// sorted views are projections computed on demand; they never change the
// underlying child order. Selection is a separate set of node references with
// an implicit-selection pass covering every descendant of a selected node.
package tree

import (
	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
)

// State is the load state of a node's payload.
type State int

const (
	Unloaded State = iota
	Loading
	Loaded
	Failed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Payload is the lazily loaded content of a node.
type Payload struct {
	State   State
	Kind    archive.Kind
	Project *archive.Project
	Err     error
}

// Node is one entry of the project tree.
type Node struct {
	id       uint32
	parent   *Node
	children []*Node
	payload  Payload
	recordID cloud.RecordID

	DisplayName string
	Owner       string
	Info        map[string]any

	Editable    bool
	Draggable   bool
	DropEnabled bool
	Expanded    bool
}

// ID returns the node's serial number, unique per Controller.
func (n *Node) ID() uint32 { return n.id }

// Parent returns the node containing n, or nil for the root and detached
// nodes.
func (n *Node) Parent() *Node { return n.parent }

// RecordID returns the remote record the node mirrors, if any.
func (n *Node) RecordID() cloud.RecordID { return n.recordID }

// Payload returns the node's payload.
func (n *Node) Payload() Payload { return n.payload }

// IsGroup reports whether the node holds other projects.
func (n *Node) IsGroup() bool { return n.payload.Kind == archive.KindGroup }

// Children returns a copy of the children in order.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// ChildCount returns the number of children.
func (n *Node) ChildCount() int { return len(n.children) }

// ChildAt returns the child at index i.
func (n *Node) ChildAt(i int) *Node { return n.children[i] }

// IndexOf returns the position of child in n's children, or -1.
func (n *Node) IndexOf(child *Node) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// IsDescendantOf reports whether n lies strictly below ancestor.
func (n *Node) IsDescendantOf(ancestor *Node) bool {
	for p := n.parent; p != nil; p = p.parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Walk calls fn for n and every descendant in pre-order. Returning false
// from fn skips that node's subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.children {
		c.Walk(fn)
	}
}

// Descendants returns every node below n in pre-order.
func (n *Node) Descendants() []*Node {
	var out []*Node
	for _, c := range n.children {
		c.Walk(func(d *Node) bool {
			out = append(out, d)
			return true
		})
	}
	return out
}

// Path returns the display names from the top-level ancestor down to n,
// excluding the hidden root.
func (n *Node) Path() []string {
	var names []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		names = append([]string{cur.DisplayName}, names...)
	}
	return names
}

// String implements fmt.Stringer.
func (n *Node) String() string { return n.DisplayName }
