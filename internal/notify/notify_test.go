package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/cloud/memstore"
	"github.com/iraspa/projectsync/internal/fetch"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/retry"
	"github.com/iraspa/projectsync/internal/tree"
)

const subID = "iRASPA projects"

type fixture struct {
	store  *memstore.Store
	ctl    *tree.Controller
	parent *tree.Node
	router *Router
	queue  *operation.Queue

	spliced []*tree.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(memstore.DefaultConfig()), ctl: tree.NewController()}

	f.parent = f.ctl.NewProxy("MOFs", "MOFS")
	require.NoError(t, f.ctl.Append(f.parent, nil))
	for _, name := range []string{"alpha", "gamma"} {
		n := f.ctl.NewProxy(name, cloud.RecordID(name))
		require.NoError(t, f.ctl.Append(n, f.parent))
	}

	d := operation.NewDispatcher()
	t.Cleanup(d.Stop)
	f.queue = operation.NewQueue(operation.QueueConfig{MaxConcurrent: 2, Dispatcher: d})

	cfg := fetch.DefaultConfig(f.store)
	cfg.Logger = nil
	cfg.Policy = retry.Policy{MaxAttempts: 5, DefaultDelay: time.Millisecond}
	f.router = NewRouter(Config{
		Fetch:          cfg,
		Tree:           f.ctl,
		Queue:          f.queue,
		SubscriptionID: subID,
		OnSpliced:      func(n *tree.Node) { f.spliced = append(f.spliced, n) },
	})
	return f
}

func (f *fixture) put(id cloud.RecordID, name string, parent cloud.RecordID) {
	f.store.Put(&cloud.Record{
		ID:   id,
		Type: cloud.TypeProjectNode,
		Fields: cloud.Fields{
			{Key: cloud.KeyDisplayName, Value: name},
			{Key: cloud.KeyParent, Value: cloud.Reference{ID: parent}},
			{Key: cloud.KeyType, Value: cloud.NodeTypeStructure},
		},
	})
}

func created(id cloud.RecordID) cloud.Notification {
	return cloud.Notification{SubscriptionID: subID, Reason: cloud.ReasonCreated, RecordID: id}
}

func wait(t *testing.T, op operation.Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return op.Op().Wait(ctx)
}

func TestCreatedNotificationSplicesUnderParent(t *testing.T) {
	f := newFixture(t)
	f.put("BETA", "beta", "MOFS")
	before := f.ctl.Len()

	fr, err := f.router.Handle(created("BETA"))
	require.NoError(t, err)
	require.NoError(t, wait(t, fr))

	assert.Equal(t, before+1, f.ctl.Len())
	require.Equal(t, 3, f.parent.ChildCount())
	got := f.parent.ChildAt(1)
	assert.Equal(t, "beta", got.DisplayName)
	assert.Equal(t, cloud.RecordID("BETA"), got.RecordID())
	assert.Equal(t, tree.Unloaded, got.Payload().State)
	assert.Equal(t, []*tree.Node{got}, f.spliced)
	require.NoError(t, f.ctl.Validate())

	// A repeated notification does not splice a second node.
	fr, err = f.router.Handle(created("BETA"))
	require.NoError(t, err)
	require.NoError(t, wait(t, fr))
	assert.Equal(t, before+1, f.ctl.Len())
	assert.Len(t, f.spliced, 1)
}

func TestCreatedNotificationWithUnknownParent(t *testing.T) {
	f := newFixture(t)
	f.put("ORPHAN", "orphan", "ELSEWHERE")
	before := f.ctl.Flatten()

	fr, err := f.router.Handle(created("ORPHAN"))
	require.NoError(t, err)
	require.NoError(t, wait(t, fr))

	assert.Equal(t, before, f.ctl.Flatten())
	assert.Empty(t, f.spliced)
	_, found := f.ctl.FindByRecordID("ORPHAN")
	assert.False(t, found)
}

func TestCreatedNotificationForVanishedRecord(t *testing.T) {
	f := newFixture(t)
	before := f.ctl.Len()

	fr, err := f.router.Handle(created("GONE"))
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, fr), cloud.ErrUnknownItem)
	assert.Equal(t, before, f.ctl.Len())
}

func TestUpdatedAndDeletedAreNotHandled(t *testing.T) {
	f := newFixture(t)
	f.put("ALPHA", "alpha renamed", "MOFS")
	before := f.ctl.Flatten()

	for _, reason := range []cloud.Reason{cloud.ReasonUpdated, cloud.ReasonDeleted} {
		t.Run(reason.String(), func(t *testing.T) {
			fr, err := f.router.Handle(cloud.Notification{SubscriptionID: subID, Reason: reason, RecordID: "alpha"})
			assert.ErrorIs(t, err, ErrReasonNotHandled)
			assert.Nil(t, fr)
		})
	}
	assert.Equal(t, before, f.ctl.Flatten())
	assert.Equal(t, "alpha", f.parent.ChildAt(0).DisplayName)
	assert.Zero(t, f.store.Calls(memstore.MethodFetchRecords))
}

func TestForeignSubscriptionIsIgnored(t *testing.T) {
	f := newFixture(t)
	n := created("BETA")
	n.SubscriptionID = "someone else"
	_, err := f.router.Handle(n)
	assert.ErrorIs(t, err, ErrForeignSubscription)
}

func TestBusRoutesStoreNotifications(t *testing.T) {
	f := newFixture(t)
	bus := NewBus()
	detach := f.router.Attach(bus)
	unlisten := f.store.Listen(func(n cloud.Notification) { bus.Publish(RemoteNotificationReceived, n) })
	defer unlisten()
	require.NoError(t, f.store.SaveSubscription(context.Background(), cloud.Subscription{ID: subID, RecordType: cloud.TypeProjectNode}))

	rec := &cloud.Record{ID: "DELTA", Type: cloud.TypeProjectNode}
	rec.Fields.Set(cloud.KeyDisplayName, "delta")
	rec.Fields.Set(cloud.KeyParent, cloud.Reference{ID: "MOFS"})
	_, failures, err := f.store.SaveRecords(context.Background(), []*cloud.Record{rec}, nil)
	require.NoError(t, err)
	require.Empty(t, failures)

	require.Eventually(t, func() bool {
		_, ok := f.ctl.FindByRecordID("DELTA")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, f.queue.Wait(context.Background()))
	var names []string
	f.ctl.View(func() {
		for i := 0; i < f.parent.ChildCount(); i++ {
			names = append(names, f.parent.ChildAt(i).DisplayName)
		}
	})
	assert.Equal(t, []string{"alpha", "delta", "gamma"}, names)

	detach()
	detach()
	assert.Zero(t, bus.Subscribers(RemoteNotificationReceived))
	assert.Zero(t, bus.Publish(RemoteNotificationReceived, created("DELTA")))
}

func TestBusSubscribeOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	c1 := bus.Subscribe("e", func(cloud.Notification) { got = append(got, "first") })
	bus.Subscribe("e", func(cloud.Notification) { got = append(got, "second") })
	bus.Subscribe("other", func(cloud.Notification) { got = append(got, "other") })

	assert.Equal(t, 2, bus.Publish("e", cloud.Notification{}))
	c1()
	assert.Equal(t, 1, bus.Publish("e", cloud.Notification{}))
	assert.Equal(t, []string{"first", "second", "second"}, got)
}
