package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCancelled is the terminal error of every cancelled operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrAlreadyStarted is returned when a dependency is added to an
	// operation that has already been scheduled.
	ErrAlreadyStarted = errors.New("operation already scheduled")

	// ErrCycle is returned when a dependency would make the graph cyclic.
	ErrCycle = errors.New("dependency cycle")

	// ErrGroupFinished is returned when a child is added to a group that
	// has already settled.
	ErrGroupFinished = errors.New("group already finished")
)

// RunFunc is the body of an operation. The context is cancelled when the
// operation is cancelled.
type RunFunc func(ctx context.Context, op *Operation) error

// Task is anything backed by an Operation. Typed operations embed *Operation
// or *Group and satisfy Task through the promoted Op method.
type Task interface {
	Op() *Operation
}

type state int

const (
	statePending state = iota
	stateQueued
	stateRunning
	stateFinished
)

// Operation is a cancellable unit of asynchronous work.
type Operation struct {
	name     string
	run      RunFunc
	progress *Progress

	ctx        context.Context
	cancelCtx  context.CancelFunc
	done       chan struct{}
	dispatcher *Dispatcher
	parent     *Operation

	mu         sync.Mutex
	state      state
	cancelled  bool
	err        error
	deps       []*Operation
	callbacks  []func(error)
	finalizers []func(error)
	onCancel   []func()
}

// New creates an operation that runs fn once it is scheduled on a Queue and
// its dependencies have finished.
func New(name string, fn RunFunc) *Operation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operation{
		name:      name,
		run:       fn,
		progress:  NewProgress(1),
		ctx:       ctx,
		cancelCtx: cancel,
		done:      make(chan struct{}),
	}
}

// NewDelay returns an operation that finishes after d, or earlier with
// ErrCancelled if it is cancelled.
func NewDelay(d time.Duration) *Operation {
	return New(fmt.Sprintf("delay(%s)", d), func(ctx context.Context, _ *Operation) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ErrCancelled
		}
	})
}

// Op returns the operation itself.
func (op *Operation) Op() *Operation { return op }

// Name returns the operation name.
func (op *Operation) Name() string { return op.name }

// String implements fmt.Stringer.
func (op *Operation) String() string { return op.name }

// Progress returns the operation's progress tracker.
func (op *Operation) Progress() *Progress { return op.progress }

// Done returns a channel that is closed after the operation has finished and
// all of its completion callbacks have run.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err returns the terminal error. It is only meaningful after Done is closed.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Finished reports whether the operation has reached its terminal state.
func (op *Operation) Finished() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state == stateFinished
}

// Cancelled reports whether Cancel has been called.
func (op *Operation) Cancelled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.cancelled
}

// Wait blocks until the operation finishes or ctx is done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddDependency makes op wait for dep. It must be called before op is added
// to a queue.
func (op *Operation) AddDependency(t Task) error {
	dep := t.Op()
	if dep == op {
		return fmt.Errorf("%s depends on itself: %w", op.name, ErrCycle)
	}
	if dep.reaches(op) {
		return fmt.Errorf("%s -> %s: %w", op.name, dep.name, ErrCycle)
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != statePending {
		return fmt.Errorf("%s: %w", op.name, ErrAlreadyStarted)
	}
	op.deps = append(op.deps, dep)
	return nil
}

// reaches reports whether target is a transitive dependency of op.
func (op *Operation) reaches(target *Operation) bool {
	seen := make(map[*Operation]bool)
	stack := []*Operation{op}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, cur.dependencies()...)
	}
	return false
}

func (op *Operation) dependencies() []*Operation {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]*Operation, len(op.deps))
	copy(out, op.deps)
	return out
}

// OnComplete registers fn to run once with the terminal error. Callbacks run
// on the dispatcher of the queue the operation was scheduled on, in
// registration order. Registering after the operation finished still runs fn.
func (op *Operation) OnComplete(fn func(error)) {
	op.mu.Lock()
	if op.state != stateFinished {
		op.callbacks = append(op.callbacks, fn)
		op.mu.Unlock()
		return
	}
	err := op.err
	op.mu.Unlock()
	op.dispatch(func() { fn(err) })
}

// onSettled registers an internal hook that runs after every OnComplete
// callback and before Done is closed.
func (op *Operation) onSettled(fn func(error)) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.finalizers = append(op.finalizers, fn)
}

// Cancel marks the operation cancelled and cancels its context. An operation
// that was never scheduled finishes immediately with ErrCancelled.
func (op *Operation) Cancel() {
	op.mu.Lock()
	if op.cancelled || op.state == stateFinished {
		op.mu.Unlock()
		return
	}
	op.cancelled = true
	hooks := op.onCancel
	pending := op.state == statePending
	op.mu.Unlock()

	op.cancelCtx()
	for _, h := range hooks {
		h()
	}
	if pending {
		op.finish(ErrCancelled)
	}
}

// enqueue transitions a pending operation to queued. It returns false when
// the operation was already scheduled or has finished.
func (op *Operation) enqueue(d *Dispatcher) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != statePending {
		return false
	}
	op.state = stateQueued
	if d != nil {
		op.dispatcher = d
	}
	return true
}

// start runs the operation body on the calling goroutine.
func (op *Operation) start() {
	op.mu.Lock()
	if op.cancelled || op.state != stateQueued {
		op.mu.Unlock()
		op.finish(ErrCancelled)
		return
	}
	op.state = stateRunning
	op.mu.Unlock()

	err := op.run(op.ctx, op)
	op.finish(err)
}

// finish records the terminal error exactly once and dispatches callbacks.
func (op *Operation) finish(err error) {
	op.mu.Lock()
	if op.state == stateFinished {
		op.mu.Unlock()
		return
	}
	if op.cancelled {
		err = ErrCancelled
	}
	op.state = stateFinished
	op.err = err
	callbacks := op.callbacks
	finalizers := op.finalizers
	op.callbacks = nil
	op.finalizers = nil
	op.mu.Unlock()

	op.cancelCtx()
	// A failed operation keeps its partial progress. An enclosing group that
	// recovers the error, by retrying for instance, reaches 1 only once the
	// work has actually been done.
	if err == nil {
		op.progress.Finish()
	}

	op.dispatch(func() {
		for _, cb := range callbacks {
			cb(err)
		}
		for _, f := range finalizers {
			f(err)
		}
		close(op.done)
	})
}

// dispatch runs fn on the nearest dispatcher, walking up through enclosing
// groups, or inline when there is none.
func (op *Operation) dispatch(fn func()) {
	if d := op.resolveDispatcher(); d != nil && d.Dispatch(fn) {
		return
	}
	fn()
}

func (op *Operation) resolveDispatcher() *Dispatcher {
	for cur := op; cur != nil; {
		cur.mu.Lock()
		d, parent := cur.dispatcher, cur.parent
		cur.mu.Unlock()
		if d != nil {
			return d
		}
		cur = parent
	}
	return nil
}

func (op *Operation) addCancelHook(fn func()) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.onCancel = append(op.onCancel, fn)
}
