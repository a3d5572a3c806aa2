package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestQueue(t *testing.T) (*Queue, *Dispatcher) {
	t.Helper()
	d := NewDispatcher()
	t.Cleanup(d.Stop)
	return NewQueue(QueueConfig{MaxConcurrent: 4, Dispatcher: d}), d
}

func TestOperationRunsOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	var runs, callbacks atomic.Int32

	op := New("once", func(ctx context.Context, op *Operation) error {
		runs.Add(1)
		return nil
	})
	op.OnComplete(func(err error) {
		assert.NoError(t, err)
		callbacks.Add(1)
	})

	q.Add(op)
	q.Add(op)
	require.NoError(t, op.Wait(testContext(t)))

	assert.EqualValues(t, 1, runs.Load())
	assert.EqualValues(t, 1, callbacks.Load())
	assert.True(t, op.Finished())
	assert.Equal(t, 1.0, op.Progress().Fraction())
}

func TestOnCompleteAfterFinish(t *testing.T) {
	q, _ := newTestQueue(t)
	op := New("late", func(ctx context.Context, op *Operation) error {
		return errors.New("boom")
	})
	q.Add(op)
	require.Error(t, op.Wait(testContext(t)))

	got := make(chan error, 1)
	op.OnComplete(func(err error) { got <- err })
	select {
	case err := <-got:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("late callback never ran")
	}
}

func TestDependencyOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	var mu sync.Mutex
	var order []string
	record := func(name string) RunFunc {
		return func(ctx context.Context, op *Operation) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := New("a", record("a"))
	b := New("b", record("b"))
	c := New("c", record("c"))
	require.NoError(t, b.AddDependency(a))
	require.NoError(t, c.AddDependency(b))

	q.Add(c, b, a)
	require.NoError(t, c.Wait(testContext(t)))

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDependencyCancelledStillReleasesDependent(t *testing.T) {
	q, _ := newTestQueue(t)
	dep := New("dep", func(ctx context.Context, op *Operation) error { return nil })
	ran := false
	next := New("next", func(ctx context.Context, op *Operation) error {
		ran = true
		return nil
	})
	require.NoError(t, next.AddDependency(dep))

	dep.Cancel()
	q.Add(next)
	require.NoError(t, next.Wait(testContext(t)))
	assert.True(t, ran)
	assert.ErrorIs(t, dep.Err(), ErrCancelled)
}

func TestAddDependencyErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func() error
		want  error
	}{
		{
			name: "self",
			setup: func() error {
				a := New("a", nil)
				return a.AddDependency(a)
			},
			want: ErrCycle,
		},
		{
			name: "transitive cycle",
			setup: func() error {
				a, b, c := New("a", nil), New("b", nil), New("c", nil)
				if err := b.AddDependency(a); err != nil {
					return err
				}
				if err := c.AddDependency(b); err != nil {
					return err
				}
				return a.AddDependency(c)
			},
			want: ErrCycle,
		},
		{
			name: "already scheduled",
			setup: func() error {
				q := NewQueue(DefaultQueueConfig())
				a := New("a", func(ctx context.Context, op *Operation) error { return nil })
				q.Add(a)
				return a.AddDependency(New("b", nil))
			},
			want: ErrAlreadyStarted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.setup(), tt.want)
		})
	}
}

func TestCancelBeforeStart(t *testing.T) {
	q := NewQueue(QueueConfig{MaxConcurrent: 1, Suspended: true})
	ran := false
	op := New("never", func(ctx context.Context, op *Operation) error {
		ran = true
		return nil
	})
	q.Add(op)
	op.Cancel()
	q.Resume()

	assert.ErrorIs(t, op.Wait(testContext(t)), ErrCancelled)
	assert.False(t, ran)
	assert.True(t, op.Cancelled())
}

func TestCancelRunning(t *testing.T) {
	q, _ := newTestQueue(t)
	started := make(chan struct{})
	op := New("blocking", func(ctx context.Context, op *Operation) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q.Add(op)
	<-started
	op.Cancel()
	assert.ErrorIs(t, op.Wait(testContext(t)), ErrCancelled)
}

func TestDelay(t *testing.T) {
	q, _ := newTestQueue(t)
	start := time.Now()
	d := NewDelay(20 * time.Millisecond)
	q.Add(d)
	require.NoError(t, d.Wait(testContext(t)))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	long := NewDelay(time.Hour)
	q.Add(long)
	long.Cancel()
	assert.ErrorIs(t, long.Wait(testContext(t)), ErrCancelled)
}

func TestQueueBoundsConcurrency(t *testing.T) {
	q := NewQueue(QueueConfig{MaxConcurrent: 2})
	var inFlight, peak atomic.Int32
	for i := 0; i < 8; i++ {
		q.Add(New(fmt.Sprintf("op-%d", i), func(ctx context.Context, op *Operation) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}))
	}
	require.NoError(t, q.Wait(testContext(t)))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, q.Len())
}

func TestCallbacksAreSerialized(t *testing.T) {
	q, _ := newTestQueue(t)
	var inCallback atomic.Int32
	var overlap atomic.Bool
	var ops []*Operation
	for i := 0; i < 16; i++ {
		op := New(fmt.Sprintf("op-%d", i), func(ctx context.Context, op *Operation) error { return nil })
		op.OnComplete(func(error) {
			if inCallback.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inCallback.Add(-1)
		})
		ops = append(ops, op)
	}
	for _, op := range ops {
		q.Add(op)
	}
	for _, op := range ops {
		require.NoError(t, op.Wait(testContext(t)))
	}
	assert.False(t, overlap.Load())
}

func TestQueueWaitIncludesCallbacks(t *testing.T) {
	q, d := newTestQueue(t)

	// Hold the dispatcher so the callbacks queue up behind it.
	release := make(chan struct{})
	d.Dispatch(func() { <-release })

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		op := New(fmt.Sprintf("op-%d", i), func(ctx context.Context, op *Operation) error { return nil })
		op.OnComplete(func(error) { ran.Add(1) })
		q.Add(op)
	}

	waited := make(chan error, 1)
	go func() { waited <- q.Wait(testContext(t)) }()

	select {
	case <-waited:
		t.Fatal("Wait returned before the completion callbacks ran")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-waited)
	assert.EqualValues(t, 3, ran.Load())
	assert.Equal(t, 0, q.Len())
}

func TestDispatcherOrderAndStop(t *testing.T) {
	d := NewDispatcher()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.Dispatch(func() { got = append(got, i) })
	}
	d.DispatchSync(func() {})
	d.Stop()
	d.Stop()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, d.Dispatch(func() {}))

	ran := false
	d.DispatchSync(func() { ran = true })
	assert.True(t, ran)
}
