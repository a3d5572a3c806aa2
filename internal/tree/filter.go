package tree

import (
	"slices"
	"strings"
)

// Projection is a filtered and sorted view of a tree. It holds node
// references only; the tree's own child order is untouched.
type Projection struct {
	root     *Node
	children map[*Node][]*Node
	matched  map[*Node]bool
}

// Filter computes a projection in which a node is visible when match
// accepts it or any of its descendants. Visible children are ordered by
// less, or kept in tree order when less is nil. A nil match accepts every
// node.
func (c *Controller) Filter(match func(*Node) bool, less func(a, b *Node) bool) *Projection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := &Projection{
		root:     c.root,
		children: make(map[*Node][]*Node),
		matched:  make(map[*Node]bool),
	}
	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		var kept []*Node
		for _, ch := range n.children {
			if visit(ch) {
				kept = append(kept, ch)
			}
		}
		if less != nil && len(kept) > 1 {
			slices.SortStableFunc(kept, func(a, b *Node) int {
				switch {
				case less(a, b):
					return -1
				case less(b, a):
					return 1
				}
				return 0
			})
		}
		if len(kept) > 0 {
			p.children[n] = kept
		}
		self := match == nil || (n != c.root && match(n))
		if self {
			p.matched[n] = true
		}
		return self || len(kept) > 0
	}
	visit(c.root)
	return p
}

// Root returns the hidden root the projection starts from.
func (p *Projection) Root() *Node { return p.root }

// Children returns the visible children of n.
func (p *Projection) Children(n *Node) []*Node {
	if n == nil {
		n = p.root
	}
	return p.children[n]
}

// Matched reports whether n itself satisfied the filter.
func (p *Projection) Matched(n *Node) bool { return p.matched[n] }

// Visible reports whether n appears in the projection.
func (p *Projection) Visible(n *Node) bool {
	if n == p.root {
		return true
	}
	return n.parent != nil && slices.Contains(p.children[n.parent], n)
}

// Walk visits every visible node except the root in projection order with
// its depth, starting at 0 for top-level nodes.
func (p *Projection) Walk(fn func(n *Node, depth int)) {
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		for _, ch := range p.children[n] {
			fn(ch, depth)
			walk(ch, depth+1)
		}
	}
	walk(p.root, 0)
}

// Len returns the number of visible nodes, excluding the root.
func (p *Projection) Len() int {
	n := 0
	p.Walk(func(*Node, int) { n++ })
	return n
}

// NameContains returns a filter accepting nodes whose display name contains
// substr, ignoring case.
func NameContains(substr string) func(*Node) bool {
	needle := strings.ToLower(substr)
	return func(n *Node) bool {
		return strings.Contains(strings.ToLower(n.DisplayName), needle)
	}
}

// ByDisplayName orders nodes by display name, ignoring case.
func ByDisplayName(a, b *Node) bool {
	return strings.ToLower(a.DisplayName) < strings.ToLower(b.DisplayName)
}
