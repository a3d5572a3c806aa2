package tree

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
)

var (
	// ErrNotInTree is returned for nodes that are not attached to the tree.
	ErrNotInTree = errors.New("node not in tree")

	// ErrIndexOutOfRange is returned for invalid child positions.
	ErrIndexOutOfRange = errors.New("child index out of range")

	// ErrDuplicateRecord is returned when a record id is already mirrored
	// by another node.
	ErrDuplicateRecord = errors.New("record already in tree")

	// ErrWouldCycle is returned when a node would become its own ancestor.
	ErrWouldCycle = errors.New("node would become its own ancestor")

	// ErrHasParent is returned when inserting a node that is still attached.
	ErrHasParent = errors.New("node already has a parent")

	// ErrAttached is returned by Link for nodes that are already in the tree.
	ErrAttached = errors.New("node is in the tree")
)

// Controller owns a project tree.
type Controller struct {
	mu      sync.RWMutex
	root    *Node
	serial  atomic.Uint32
	records map[cloud.RecordID]*Node

	selected map[*Node]struct{}
	implicit *roaring.Bitmap
}

// NewController returns an empty tree.
func NewController() *Controller {
	c := &Controller{
		records:  make(map[cloud.RecordID]*Node),
		selected: make(map[*Node]struct{}),
		implicit: roaring.New(),
	}
	c.root = c.NewNode("")
	c.root.payload.Kind = archive.KindGroup
	return c
}

// NewNode returns a detached node. Nodes must be created by the controller
// that will hold them.
func (c *Controller) NewNode(displayName string) *Node {
	return &Node{id: c.serial.Add(1), DisplayName: displayName}
}

// NewProxy returns a detached, unloaded node mirroring record id.
func (c *Controller) NewProxy(displayName string, id cloud.RecordID) *Node {
	n := c.NewNode(displayName)
	n.recordID = id
	return n
}

// Root returns the hidden root.
func (c *Controller) Root() *Node { return c.root }

// View runs fn while holding the read lock. Readers outside the writer
// context must re-check node membership with Contains inside fn.
func (c *Controller) View(fn func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn()
}

// Update runs fn while holding the write lock, for compound mutations made
// directly on nodes.
func (c *Controller) Update(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// Insert attaches the detached subtree n under parent at index. A nil parent
// means the hidden root.
func (c *Controller) Insert(n, parent *Node, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(n, parent, index)
}

// Append attaches n as the last child of parent.
func (c *Controller) Append(n, parent *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if parent == nil {
		parent = c.root
	}
	return c.insertLocked(n, parent, len(parent.children))
}

// InsertSorted attaches n under parent before the first child whose display
// name sorts after n's, comparing case-insensitively.
func (c *Controller) InsertSorted(n, parent *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if parent == nil {
		parent = c.root
	}
	return c.insertLocked(n, parent, sortedIndex(parent.children, n.DisplayName))
}

// Link makes the detached node n the last child of the detached node parent.
// It builds a subtree that Load or Insert later attaches in one step.
func (c *Controller) Link(n, parent *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == nil || parent == nil {
		return errors.New("link: nil node")
	}
	if n.parent != nil {
		return fmt.Errorf("link %q: %w", n.DisplayName, ErrHasParent)
	}
	if c.containsLocked(n) || c.containsLocked(parent) {
		return fmt.Errorf("link %q under %q: %w", n.DisplayName, parent.DisplayName, ErrAttached)
	}
	if parent == n || parent.IsDescendantOf(n) {
		return fmt.Errorf("link %q: %w", n.DisplayName, ErrWouldCycle)
	}
	parent.children = append(parent.children, n)
	n.parent = parent
	return nil
}

// Load replaces n's payload and appends the detached subtrees as its last
// children under a single write lock, so readers never see the payload
// without its children. On error nothing has changed.
func (c *Controller) Load(n *Node, p Payload, subtrees []*Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.containsLocked(n) {
		return fmt.Errorf("load %q: %w", n.DisplayName, ErrNotInTree)
	}
	base := len(n.children)
	for _, sub := range subtrees {
		if err := c.insertLocked(sub, n, len(n.children)); err != nil {
			added := append([]*Node(nil), n.children[base:]...)
			for _, a := range added {
				_ = c.removeLocked(a)
			}
			return err
		}
	}
	n.payload = p
	return nil
}

func sortedIndex(children []*Node, name string) int {
	key := strings.ToLower(name)
	for i, ch := range children {
		if strings.ToLower(ch.DisplayName) > key {
			return i
		}
	}
	return len(children)
}

func (c *Controller) insertLocked(n, parent *Node, index int) error {
	if n == nil {
		return errors.New("insert: nil node")
	}
	if parent == nil {
		parent = c.root
	}
	if n == c.root {
		return fmt.Errorf("insert root: %w", ErrWouldCycle)
	}
	if n.parent != nil {
		return fmt.Errorf("insert %q: %w", n.DisplayName, ErrHasParent)
	}
	if !c.containsLocked(parent) {
		return fmt.Errorf("insert under %q: %w", parent.DisplayName, ErrNotInTree)
	}
	if parent == n || parent.IsDescendantOf(n) {
		return fmt.Errorf("insert %q: %w", n.DisplayName, ErrWouldCycle)
	}
	if index < 0 || index > len(parent.children) {
		return fmt.Errorf("insert at %d of %d: %w", index, len(parent.children), ErrIndexOutOfRange)
	}

	seen := make(map[cloud.RecordID]bool)
	var dup error
	n.Walk(func(d *Node) bool {
		if d.recordID == "" || dup != nil {
			return dup == nil
		}
		if _, ok := c.records[d.recordID]; ok || seen[d.recordID] {
			dup = fmt.Errorf("insert %q: record %s: %w", d.DisplayName, d.recordID, ErrDuplicateRecord)
			return false
		}
		seen[d.recordID] = true
		return true
	})
	if dup != nil {
		return dup
	}

	parent.children = append(parent.children, nil)
	copy(parent.children[index+1:], parent.children[index:])
	parent.children[index] = n
	n.parent = parent

	n.Walk(func(d *Node) bool {
		if d.recordID != "" {
			c.records[d.recordID] = d
		}
		return true
	})
	c.recomputeImplicitLocked()
	return nil
}

// Remove detaches n and its subtree. Removed nodes leave the selection.
func (c *Controller) Remove(n *Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(n)
}

func (c *Controller) removeLocked(n *Node) error {
	if n == nil || n == c.root || !c.containsLocked(n) {
		return fmt.Errorf("remove: %w", ErrNotInTree)
	}
	c.detachLocked(n)
	n.Walk(func(d *Node) bool {
		if d.recordID != "" && c.records[d.recordID] == d {
			delete(c.records, d.recordID)
		}
		delete(c.selected, d)
		return true
	})
	c.recomputeImplicitLocked()
	return nil
}

func (c *Controller) detachLocked(n *Node) {
	p := n.parent
	i := p.IndexOf(n)
	copy(p.children[i:], p.children[i+1:])
	p.children[len(p.children)-1] = nil
	p.children = p.children[:len(p.children)-1]
	n.parent = nil
}

// Move re-attaches n under newParent at index, where index refers to the
// children of newParent after n has been detached.
func (c *Controller) Move(n, newParent *Node, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if newParent == nil {
		newParent = c.root
	}
	if n == nil || n == c.root || !c.containsLocked(n) {
		return fmt.Errorf("move: %w", ErrNotInTree)
	}
	if !c.containsLocked(newParent) {
		return fmt.Errorf("move under %q: %w", newParent.DisplayName, ErrNotInTree)
	}
	if newParent == n || newParent.IsDescendantOf(n) {
		return fmt.Errorf("move %q: %w", n.DisplayName, ErrWouldCycle)
	}
	size := len(newParent.children)
	if n.parent == newParent {
		size--
	}
	if index < 0 || index > size {
		return fmt.Errorf("move to %d of %d: %w", index, size, ErrIndexOutOfRange)
	}

	c.detachLocked(n)
	newParent.children = append(newParent.children, nil)
	copy(newParent.children[index+1:], newParent.children[index:])
	newParent.children[index] = n
	n.parent = newParent
	c.recomputeImplicitLocked()
	return nil
}

// SetPayload replaces n's payload in one step.
func (c *Controller) SetPayload(n *Node, p Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n.payload = p
}

// SetRecordID changes the record n mirrors.
func (c *Controller) SetRecordID(n *Node, id cloud.RecordID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	attached := c.containsLocked(n)
	if attached && id != "" {
		if other, ok := c.records[id]; ok && other != n {
			return fmt.Errorf("record %s: %w", id, ErrDuplicateRecord)
		}
	}
	if attached && n.recordID != "" && c.records[n.recordID] == n {
		delete(c.records, n.recordID)
	}
	n.recordID = id
	if attached && id != "" {
		c.records[id] = n
	}
	return nil
}

// FindByRecordID returns the node mirroring id.
func (c *Controller) FindByRecordID(id cloud.RecordID) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.records[id]
	return n, ok
}

// Contains reports whether n is attached to this tree.
func (c *Controller) Contains(n *Node) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.containsLocked(n)
}

func (c *Controller) containsLocked(n *Node) bool {
	if n == nil {
		return false
	}
	cur := n
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur == c.root
}

// NodeAt resolves an index path from the root.
func (c *Controller) NodeAt(path []int) (*Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := c.root
	for depth, i := range path {
		if i < 0 || i >= len(n.children) {
			return nil, fmt.Errorf("path %v at depth %d: %w", path, depth, ErrIndexOutOfRange)
		}
		n = n.children[i]
	}
	return n, nil
}

// IndexPath returns the index path of n from the root.
func (c *Controller) IndexPath(n *Node) ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.containsLocked(n) {
		return nil, ErrNotInTree
	}
	var path []int
	for cur := n; cur.parent != nil; cur = cur.parent {
		path = append([]int{cur.parent.IndexOf(cur)}, path...)
	}
	return path, nil
}

// Flatten returns every node except the root in pre-order.
func (c *Controller) Flatten() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root.Descendants()
}

// Len returns the number of nodes, excluding the root.
func (c *Controller) Len() int {
	return len(c.Flatten())
}

// Validate checks the structural invariants: every child's parent pointer
// names the node whose children contain it, no node appears twice, and the
// record index matches the tree.
func (c *Controller) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[*Node]bool)
	records := make(map[cloud.RecordID]*Node)
	var walk func(n *Node) error
	walk = func(n *Node) error {
		if seen[n] {
			return fmt.Errorf("node %q (%d) reachable twice", n.DisplayName, n.id)
		}
		seen[n] = true
		if n.recordID != "" {
			if other, ok := records[n.recordID]; ok {
				return fmt.Errorf("record %s mirrored by %q and %q", n.recordID, other.DisplayName, n.DisplayName)
			}
			records[n.recordID] = n
		}
		for _, ch := range n.children {
			if ch.parent != n {
				return fmt.Errorf("node %q: parent is %v, contained by %q", ch.DisplayName, ch.parent, n.DisplayName)
			}
			if err := walk(ch); err != nil {
				return err
			}
		}
		return nil
	}
	if c.root.parent != nil {
		return errors.New("root has a parent")
	}
	if err := walk(c.root); err != nil {
		return err
	}
	if len(records) != len(c.records) {
		return fmt.Errorf("record index has %d entries, tree has %d", len(c.records), len(records))
	}
	for id, n := range records {
		if c.records[id] != n {
			return fmt.Errorf("record index for %s points at the wrong node", id)
		}
	}
	return nil
}
