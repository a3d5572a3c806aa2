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

func succeed(name string) *Operation {
	return New(name, func(ctx context.Context, op *Operation) error { return nil })
}

func failWith(name string, err error) *Operation {
	return New(name, func(ctx context.Context, op *Operation) error { return err })
}

func TestGroupProgressReachesTotal(t *testing.T) {
	q, _ := newTestQueue(t)
	g := NewGroup("import", 2)

	fetch := New("fetch", func(ctx context.Context, op *Operation) error {
		op.Progress().SetTotal(4)
		for i := 0; i < 4; i++ {
			op.Progress().Add(1)
		}
		return nil
	})
	decode := succeed("decode")
	require.NoError(t, decode.AddDependency(fetch))
	require.NoError(t, g.AddWeighted(fetch, 8))
	require.NoError(t, g.AddWeighted(decode, 2))

	var mu sync.Mutex
	var seen []float64
	g.Progress().Subscribe(func(f float64) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})

	q.Add(g)
	require.NoError(t, g.Wait(testContext(t)))

	assert.EqualValues(t, 10, g.Progress().Total())
	assert.InDelta(t, 10.0, g.Progress().Completed(), 1e-9)
	assert.Equal(t, 1.0, g.Progress().Fraction())

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards")
	}
}

func TestGroupCompletesOnceUnderConcurrentFailures(t *testing.T) {
	q, _ := newTestQueue(t)
	g := NewGroup("batch", 8)
	for i := 0; i < 20; i++ {
		require.NoError(t, g.Add(failWith(fmt.Sprintf("child-%d", i), fmt.Errorf("child %d failed", i))))
	}

	var completions atomic.Int32
	g.OnComplete(func(err error) {
		completions.Add(1)
	})
	q.Add(g)
	err := g.Wait(testContext(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.EqualValues(t, 1, completions.Load())
	assert.InDelta(t, float64(g.Progress().Total()), g.Progress().Completed(), 1e-9)
}

func TestGroupFirstErrorCancelsSiblings(t *testing.T) {
	q, _ := newTestQueue(t)
	g := NewGroup("g", 4)
	boom := errors.New("boom")

	slow := New("slow", func(ctx context.Context, op *Operation) error {
		<-ctx.Done()
		return ctx.Err()
	})
	after := succeed("after")
	require.NoError(t, after.AddDependency(slow))

	require.NoError(t, g.Add(slow))
	require.NoError(t, g.Add(after))
	require.NoError(t, g.Add(failWith("bad", boom)))

	q.Add(g)
	assert.ErrorIs(t, g.Wait(testContext(t)), boom)
	assert.ErrorIs(t, slow.Err(), ErrCancelled)
	assert.ErrorIs(t, after.Err(), ErrCancelled)
}

func TestGroupHandlerAddsReplacementChild(t *testing.T) {
	q, _ := newTestQueue(t)
	g := NewGroup("retrying", 1)
	transient := errors.New("busy")

	var attempts atomic.Int32
	var attempt func() *Operation
	attempt = func() *Operation {
		return New("attempt", func(ctx context.Context, op *Operation) error {
			if attempts.Add(1) < 3 {
				return transient
			}
			return nil
		})
	}

	g.OnChildError(func(child *Operation, err error) error {
		if !errors.Is(err, transient) {
			return err
		}
		delay := NewDelay(time.Millisecond)
		next := attempt()
		if err := next.AddDependency(delay); err != nil {
			return err
		}
		if err := g.AddWeighted(delay, 0); err != nil {
			return err
		}
		return g.AddWeighted(next, 0)
	})
	require.NoError(t, g.Add(attempt()))

	q.Add(g)
	require.NoError(t, g.Wait(testContext(t)))
	assert.EqualValues(t, 3, attempts.Load())
	assert.Len(t, g.Children(), 5)
}

func TestEmptyGroupFinishes(t *testing.T) {
	q, _ := newTestQueue(t)
	g := NewGroup("empty", 0)
	q.Add(g)
	require.NoError(t, g.Wait(testContext(t)))
	assert.Equal(t, 1.0, g.Progress().Fraction())
}

func TestGroupCancelPropagates(t *testing.T) {
	q, _ := newTestQueue(t)
	g := NewGroup("g", 1)
	started := make(chan struct{})
	first := New("first", func(ctx context.Context, op *Operation) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	second := succeed("second")
	require.NoError(t, second.AddDependency(first))
	require.NoError(t, g.Add(first))
	require.NoError(t, g.Add(second))

	var completions atomic.Int32
	g.OnComplete(func(error) { completions.Add(1) })

	q.Add(g)
	<-started
	g.Cancel()

	assert.ErrorIs(t, g.Wait(testContext(t)), ErrCancelled)
	assert.ErrorIs(t, first.Wait(testContext(t)), ErrCancelled)
	assert.ErrorIs(t, second.Wait(testContext(t)), ErrCancelled)
	assert.EqualValues(t, 1, completions.Load())

	assert.ErrorIs(t, g.Add(succeed("late")), ErrGroupFinished)
}

func TestNestedGroups(t *testing.T) {
	q, d := newTestQueue(t)
	outer := NewGroup("outer", 2)
	inner := NewGroup("inner", 2)

	var onDispatcher atomic.Int32
	leaf := succeed("leaf")
	leaf.OnComplete(func(error) { onDispatcher.Add(1) })
	require.NoError(t, inner.Add(leaf))
	require.NoError(t, outer.AddWeighted(inner, 3))
	require.NoError(t, outer.Add(succeed("sibling")))

	q.Add(outer)
	require.NoError(t, outer.Wait(testContext(t)))
	d.DispatchSync(func() {})

	assert.EqualValues(t, 1, onDispatcher.Load())
	assert.EqualValues(t, 4, outer.Progress().Total())
}
