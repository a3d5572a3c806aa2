package operation

import (
	"sync"
)

// Dispatcher executes functions one at a time, in submission order, on a
// single goroutine. It is the coordinating context for completion callbacks
// and for every mutation of state shared with callbacks.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// NewDispatcher starts a dispatcher goroutine.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

// Dispatch enqueues fn. It never blocks and may be called from fn itself.
// It returns false if the dispatcher has been stopped.
func (d *Dispatcher) Dispatch(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// DispatchSync enqueues fn and waits for it to run. It must not be called
// from the dispatcher goroutine. When the dispatcher is stopped fn runs on
// the caller's goroutine.
func (d *Dispatcher) DispatchSync(fn func()) {
	ran := make(chan struct{})
	if !d.Dispatch(func() {
		defer close(ran)
		fn()
	}) {
		fn()
		return
	}
	<-ran
}

// Stop drains queued functions and stops the goroutine. It blocks until the
// goroutine has exited and is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 {
			if d.stopped {
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
