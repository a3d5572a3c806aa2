package tree

// Select adds nodes to the explicit selection. Detached nodes are ignored.
func (c *Controller) Select(nodes ...*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectLocked(nodes)
	c.recomputeImplicitLocked()
}

func (c *Controller) selectLocked(nodes []*Node) {
	for _, n := range nodes {
		if n != c.root && c.containsLocked(n) {
			c.selected[n] = struct{}{}
		}
	}
}

// SetSelection replaces the explicit selection.
func (c *Controller) SetSelection(nodes ...*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = make(map[*Node]struct{}, len(nodes))
	c.selectLocked(nodes)
	c.recomputeImplicitLocked()
}

// Deselect removes nodes from the explicit selection.
func (c *Controller) Deselect(nodes ...*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range nodes {
		delete(c.selected, n)
	}
	c.recomputeImplicitLocked()
}

// Toggle flips n's membership in the explicit selection.
func (c *Controller) Toggle(n *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.selected[n]; ok {
		delete(c.selected, n)
	} else {
		c.selectLocked([]*Node{n})
	}
	c.recomputeImplicitLocked()
}

// ClearSelection empties the selection.
func (c *Controller) ClearSelection() {
	c.SetSelection()
}

// IsSelected reports whether n is explicitly selected.
func (c *Controller) IsSelected(n *Node) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.selected[n]
	return ok
}

// IsImplicitlySelected reports whether n is selected or lies below a
// selected node.
func (c *Controller) IsImplicitlySelected(n *Node) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.implicit.Contains(n.id)
}

// ImplicitCount returns the number of implicitly selected nodes.
func (c *Controller) ImplicitCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.implicit.GetCardinality())
}

// Selected returns the explicit selection in tree order.
func (c *Controller) Selected() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Node
	c.root.Walk(func(n *Node) bool {
		if _, ok := c.selected[n]; ok {
			out = append(out, n)
		}
		return true
	})
	return out
}

// SelectedTopLevel returns the selected nodes that have no selected
// ancestor, in tree order.
func (c *Controller) SelectedTopLevel() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Node
	c.root.Walk(func(n *Node) bool {
		if _, ok := c.selected[n]; ok {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// RemoveSelection detaches every selected subtree and clears the selection.
func (c *Controller) RemoveSelection() []*Node {
	removed := c.SelectedTopLevel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range removed {
		_ = c.removeLocked(n)
	}
	c.selected = make(map[*Node]struct{})
	c.recomputeImplicitLocked()
	return removed
}

// InsertionPoint returns where a new node should go given the selection:
// after a single selected leaf, as the first child of a single selected
// group, after the last selected node, or at the end of the top level.
func (c *Controller) InsertionPoint() (parent *Node, index int) {
	sel := c.Selected()
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case len(sel) == 0:
		return c.root, len(c.root.children)
	case len(sel) == 1 && sel[0].IsGroup():
		return sel[0], 0
	default:
		last := sel[len(sel)-1]
		return last.parent, last.parent.IndexOf(last) + 1
	}
}

func (c *Controller) recomputeImplicitLocked() {
	c.implicit.Clear()
	for n := range c.selected {
		n.Walk(func(d *Node) bool {
			if c.implicit.Contains(d.id) {
				return false
			}
			c.implicit.Add(d.id)
			return true
		})
	}
}
