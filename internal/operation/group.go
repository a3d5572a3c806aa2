package operation

import (
	"context"
	"fmt"
	"sync"
)

// ChildErrorHandler decides what happens when a child fails. Returning nil
// means the failure was handled, usually by adding a replacement child.
// Returning an error makes it the group's terminal error.
type ChildErrorHandler func(child *Operation, err error) error

// Group is an operation composed of child operations. Children run on the
// group's internal queue, which is held until the group itself starts.
type Group struct {
	*Operation

	queue *Queue

	mu       sync.Mutex
	children []*Operation
	pending  int
	started  bool
	settled  bool
	err      error
	handler  ChildErrorHandler
	settleCh chan struct{}
}

// NewGroup creates a group whose children run with at most maxConcurrent of
// them in flight. Zero means the queue default.
func NewGroup(name string, maxConcurrent int64) *Group {
	g := &Group{
		queue:    NewQueue(QueueConfig{MaxConcurrent: maxConcurrent, Suspended: true}),
		settleCh: make(chan struct{}),
	}
	g.Operation = New(name, g.run)
	g.Operation.progress = NewProgress(0)
	g.addCancelHook(g.cancelChildren)
	return g
}

// OnChildError installs the handler consulted for failed children. Without
// one the first child error becomes the group's terminal error.
func (g *Group) OnChildError(h ChildErrorHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Add adds a child with a progress weight of one unit.
func (g *Group) Add(t Task) error {
	return g.AddWeighted(t, 1)
}

// AddWeighted adds a child contributing units to the group's progress total.
// Children may be added while the group runs, including from completion
// callbacks of other children.
func (g *Group) AddWeighted(t Task, units int64) error {
	child := t.Op()

	g.mu.Lock()
	if g.settled {
		g.mu.Unlock()
		return fmt.Errorf("add %s to %s: %w", child.name, g.name, ErrGroupFinished)
	}
	g.pending++
	g.children = append(g.children, child)
	cancelled := g.Operation.Cancelled()
	g.mu.Unlock()

	child.mu.Lock()
	child.parent = g.Operation
	child.mu.Unlock()

	g.progress.AddChild(child.progress, units)
	child.onSettled(func(err error) { g.childFinished(child, err) })
	g.queue.Add(child)

	if cancelled {
		child.Cancel()
	}
	return nil
}

// Children returns a snapshot of the children added so far.
func (g *Group) Children() []*Operation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Operation, len(g.children))
	copy(out, g.children)
	return out
}

func (g *Group) run(ctx context.Context, _ *Operation) error {
	g.mu.Lock()
	g.started = true
	if g.pending == 0 {
		g.settleLocked()
	}
	g.mu.Unlock()

	g.queue.Resume()
	<-g.settleCh

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *Group) childFinished(child *Operation, err error) {
	if err != nil && !g.Operation.Cancelled() {
		g.mu.Lock()
		failed := g.err != nil
		h := g.handler
		g.mu.Unlock()

		if !failed {
			if h != nil {
				err = h(child, err)
			}
			if err != nil {
				g.fail(err)
			}
		}
	}

	g.mu.Lock()
	g.pending--
	if g.pending == 0 && g.started {
		g.settleLocked()
	}
	g.mu.Unlock()
}

// fail records the first terminal error and cancels the remaining children.
func (g *Group) fail(err error) {
	g.mu.Lock()
	if g.err != nil {
		g.mu.Unlock()
		return
	}
	g.err = err
	g.mu.Unlock()
	g.cancelChildren()
}

func (g *Group) cancelChildren() {
	for _, c := range g.Children() {
		c.Cancel()
	}
}

func (g *Group) settleLocked() {
	if g.settled {
		return
	}
	g.settled = true
	close(g.settleCh)
}
