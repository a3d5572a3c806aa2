package operation

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// QueueConfig holds configuration for a Queue.
type QueueConfig struct {
	// MaxConcurrent bounds the number of operations running at once.
	MaxConcurrent int64

	// Dispatcher runs completion callbacks. Nil runs them inline on the
	// goroutine that finished the operation.
	Dispatcher *Dispatcher

	// Suspended queues hold operations until Resume is called.
	Suspended bool
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxConcurrent: 4}
}

// Queue schedules operations with bounded concurrency. An operation starts
// once its dependencies have finished and a slot is free.
type Queue struct {
	sem        *semaphore.Weighted
	dispatcher *Dispatcher
	gate       chan struct{}
	gateOnce   sync.Once

	mu   sync.Mutex
	live map[*Operation]struct{}
	wg   sync.WaitGroup
}

// NewQueue creates a queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultQueueConfig().MaxConcurrent
	}
	q := &Queue{
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		dispatcher: cfg.Dispatcher,
		gate:       make(chan struct{}),
		live:       make(map[*Operation]struct{}),
	}
	if !cfg.Suspended {
		q.Resume()
	}
	return q
}

// Dispatcher returns the dispatcher completion callbacks run on, if any.
func (q *Queue) Dispatcher() *Dispatcher { return q.dispatcher }

// Add schedules tasks. Tasks that were already scheduled elsewhere or have
// finished are ignored.
func (q *Queue) Add(tasks ...Task) {
	for _, t := range tasks {
		op := t.Op()
		if !op.enqueue(q.dispatcher) {
			continue
		}
		q.mu.Lock()
		q.live[op] = struct{}{}
		q.mu.Unlock()

		q.wg.Add(1)
		go q.schedule(op)
	}
}

// Resume releases a suspended queue. It is idempotent.
func (q *Queue) Resume() {
	q.gateOnce.Do(func() { close(q.gate) })
}

// Len returns the number of scheduled operations that have not finished.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

// CancelAll cancels every unfinished operation on the queue.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ops := make([]*Operation, 0, len(q.live))
	for op := range q.live {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}

// Wait blocks until every scheduled operation has finished, completion
// callbacks included, or ctx is done. It must not be called from the
// dispatcher goroutine.
func (q *Queue) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) schedule(op *Operation) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.live, op)
		q.mu.Unlock()
	}()

	for _, dep := range op.dependencies() {
		select {
		case <-dep.Done():
		case <-op.ctx.Done():
		}
	}

	select {
	case <-q.gate:
	case <-op.ctx.Done():
	}

	if err := q.sem.Acquire(op.ctx, 1); err != nil {
		op.finish(ErrCancelled)
		<-op.done
		return
	}
	op.start()
	q.sem.Release(1)

	// finish may have handed the callbacks to the dispatcher. The operation
	// only counts as finished for Wait once they have run.
	<-op.done
}
