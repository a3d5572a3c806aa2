package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/cloud/memstore"
	"github.com/iraspa/projectsync/internal/cloud/sqlstore"
	"github.com/iraspa/projectsync/internal/logging"
	"github.com/iraspa/projectsync/internal/notify"
	"github.com/iraspa/projectsync/internal/retry"
	"github.com/iraspa/projectsync/internal/tree"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type events struct {
	mu        sync.Mutex
	spliced   []string
	progress  map[string]float64
	bootstrap []error
}

func (e *events) observer() Observer {
	return Observer{
		NodeSpliced: func(n *tree.Node) {
			e.mu.Lock()
			e.spliced = append(e.spliced, n.DisplayName)
			e.mu.Unlock()
		},
		ImportProgress: func(name string, f float64) {
			e.mu.Lock()
			e.progress[name] = f
			e.mu.Unlock()
		},
		BootstrapComplete: func(err error) {
			e.mu.Lock()
			e.bootstrap = append(e.bootstrap, err)
			e.mu.Unlock()
		},
	}
}

func seedStore(t *testing.T, admin bool) *memstore.Store {
	t.Helper()
	s := memstore.New(memstore.Config{Administrator: admin})
	for _, r := range []struct {
		id   cloud.RecordID
		name string
	}{{"R2", "Zeolites"}, {"R1", "MOFs"}} {
		s.Put(&cloud.Record{ID: r.id, Type: cloud.TypeRootNode, Fields: cloud.Fields{
			{Key: cloud.KeyDisplayName, Value: r.name},
			{Key: cloud.KeyType, Value: cloud.NodeTypeGroup},
		}})
	}
	for _, r := range []struct {
		id   cloud.RecordID
		name string
	}{{"P2", "IRMOF-8"}, {"P1", "IRMOF-1"}} {
		rec := &cloud.Record{ID: r.id, Type: cloud.TypeProjectNode, Creator: "author"}
		rec.Fields.Set(cloud.KeyDisplayName, r.name)
		rec.Fields.Set(cloud.KeyParent, cloud.Reference{ID: "R1"})
		rec.Fields.Set(cloud.KeyType, cloud.NodeTypeStructure)
		s.Put(rec)
		data, err := archive.EncodeBinary(&archive.Project{Name: r.name})
		require.NoError(t, err)
		require.NoError(t, s.PutAsset(r.id, data))
	}
	return s
}

func newCoordinator(t *testing.T, s cloud.Store, ev *events) *Coordinator {
	t.Helper()
	cfg := DefaultConfig(s, tree.NewController())
	cfg.Policy = retry.Policy{MaxAttempts: 5, DefaultDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	cfg.Sink = logging.NewSink(0, nil)
	if ev != nil {
		cfg.Observer = ev.observer()
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c
}

func TestInitBootstrapsSession(t *testing.T) {
	s := seedStore(t, true)
	ev := &events{progress: make(map[string]float64)}
	c := newCoordinator(t, s, ev)
	assert.False(t, c.Listening())

	require.NoError(t, c.Init(testContext(t)))

	id, ok := c.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, cloud.RecordID("_user"), id.RecordID)
	assert.True(t, c.IsAdministrator())

	roots := c.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, "MOFs", roots[0].DisplayName)
	assert.Equal(t, "Zeolites", roots[1].DisplayName)
	for _, r := range roots {
		assert.Equal(t, RootOwner, r.Owner)
		assert.True(t, r.IsGroup())
		assert.Nil(t, r.Parent().Parent(), "root proxies live at the top level")
	}

	sub, ok := s.Subscription(DefaultSubscriptionID)
	require.True(t, ok)
	assert.Equal(t, cloud.TypeProjectNode, sub.RecordType)
	assert.True(t, c.Listening())
	assert.Equal(t, 1, s.Listeners())

	ev.mu.Lock()
	assert.Equal(t, []string{"MOFs", "Zeolites"}, ev.spliced)
	assert.Equal(t, []error{nil}, ev.bootstrap)
	ev.mu.Unlock()

	assert.ErrorIs(t, c.Init(testContext(t)), ErrAlreadyInitialized)
}

func TestInitContinuesPastFailedSteps(t *testing.T) {
	s := seedStore(t, false)
	s.Inject(func(call memstore.Call) error {
		switch call.Method {
		case memstore.MethodAccountStatus:
			return &cloud.Error{Code: cloud.CodeBadContainer}
		case memstore.MethodCurrentUserID:
			return &cloud.Error{Code: cloud.CodePermissionFailure}
		}
		return nil
	})
	c := newCoordinator(t, s, nil)

	err := c.Init(testContext(t))
	require.Error(t, err)
	code, _ := cloud.CodeOf(err)
	assert.Equal(t, cloud.CodeBadContainer, code)
	assert.Contains(t, err.Error(), "permission failure")

	_, ok := c.CurrentUser()
	assert.False(t, ok)
	assert.False(t, c.IsAdministrator())
	assert.Len(t, c.Roots(), 2)
	assert.True(t, c.Listening())
}

func TestInitRetriesTransientErrors(t *testing.T) {
	s := seedStore(t, false)
	s.Inject(func(call memstore.Call) error {
		if call.Method == memstore.MethodQuery && call.N <= 2 {
			return &cloud.Error{Code: cloud.CodeZoneBusy, RetryAfter: "0.001"}
		}
		return nil
	})
	c := newCoordinator(t, s, nil)
	require.NoError(t, c.Init(testContext(t)))
	assert.Len(t, c.Roots(), 2)
	assert.Equal(t, 3, s.Calls(memstore.MethodQuery))
}

func TestRootsUnderSection(t *testing.T) {
	s := seedStore(t, false)
	ctl := tree.NewController()
	layout, err := ctl.InstallDefaultLayout()
	require.NoError(t, err)

	cfg := DefaultConfig(s, ctl)
	cfg.RootParent = layout.Public
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	require.NoError(t, c.Init(testContext(t)))
	for _, r := range c.Roots() {
		assert.Same(t, layout.Public, r.Parent())
	}
	require.NoError(t, ctl.Validate())
}

func TestExpandImportAndNotifications(t *testing.T) {
	s := seedStore(t, false)
	ev := &events{progress: make(map[string]float64)}
	c := newCoordinator(t, s, ev)
	require.NoError(t, c.Init(testContext(t)))

	mofs := c.Roots()[0]
	f, err := c.Expand(mofs)
	require.NoError(t, err)
	require.NoError(t, f.Wait(testContext(t)))
	require.Equal(t, 2, mofs.ChildCount())
	assert.Equal(t, "IRMOF-1", mofs.ChildAt(0).DisplayName)
	assert.True(t, mofs.Expanded)

	// Expanding again adds nothing.
	f, err = c.Expand(mofs)
	require.NoError(t, err)
	require.NoError(t, f.Wait(testContext(t)))
	assert.Equal(t, 2, mofs.ChildCount())

	_, err = c.Expand(mofs.ChildAt(0))
	assert.ErrorIs(t, err, ErrNotExpandable)

	b, err := c.Import(mofs.Children(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Wait(testContext(t)))
	assert.Empty(t, b.Failures())
	for _, n := range mofs.Children() {
		assert.Equal(t, tree.Loaded, n.Payload().State)
	}
	ev.mu.Lock()
	assert.Equal(t, 1.0, ev.progress["IRMOF-1"])
	assert.Equal(t, 1.0, ev.progress["IRMOF-8"])
	ev.mu.Unlock()

	// A record created elsewhere shows up under its parent.
	rec := &cloud.Record{ID: "P3", Type: cloud.TypeProjectNode}
	rec.Fields.Set(cloud.KeyDisplayName, "IRMOF-3")
	rec.Fields.Set(cloud.KeyParent, cloud.Reference{ID: "R1"})
	_, failures, err := s.SaveRecords(context.Background(), []*cloud.Record{rec}, nil)
	require.NoError(t, err)
	require.Empty(t, failures)

	require.Eventually(t, func() bool {
		_, ok := c.Tree().FindByRecordID("P3")
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Wait(testContext(t)))

	var names []string
	require.NoError(t, c.Read(testContext(t), func(ctl *tree.Controller) {
		for _, n := range mofs.Children() {
			names = append(names, n.DisplayName)
		}
		assert.NoError(t, ctl.Validate())
	}))
	assert.Equal(t, []string{"IRMOF-1", "IRMOF-3", "IRMOF-8"}, names)
}

func TestSaveAndDeleteAll(t *testing.T) {
	s := seedStore(t, true)
	c := newCoordinator(t, s, nil)
	require.NoError(t, c.Init(testContext(t)))

	local := c.Tree().NewNode("my project")
	require.NoError(t, c.Tree().Append(local, nil))
	save, err := c.Save([]*tree.Node{local}, "R1")
	require.NoError(t, err)
	require.NoError(t, save.Wait(testContext(t)))
	require.NotEmpty(t, local.RecordID())
	_, ok := s.Record(local.RecordID())
	assert.True(t, ok)

	d, err := c.DeleteAll(cloud.TypeProjectNode)
	require.NoError(t, err)
	require.NoError(t, d.Wait(testContext(t)))
	assert.Equal(t, 3, d.Deleted())
}

func TestWaitCoversTreeUpdates(t *testing.T) {
	c := newCoordinator(t, seedStore(t, false), nil)
	require.NoError(t, c.Init(testContext(t)))
	mofs := c.Roots()[0]

	_, err := c.Expand(mofs)
	require.NoError(t, err)
	require.NoError(t, c.Wait(testContext(t)))
	var children []*tree.Node
	c.Tree().View(func() { children = mofs.Children() })
	require.Len(t, children, 2)

	_, err = c.Import(children, nil)
	require.NoError(t, err)
	require.NoError(t, c.Wait(testContext(t)))
	c.Tree().View(func() {
		for _, n := range children {
			assert.Equal(t, tree.Loaded, n.Payload().State, n.DisplayName)
		}
	})

	local := c.Tree().NewNode("draft")
	require.NoError(t, c.Tree().Append(local, mofs))
	save, err := c.Save([]*tree.Node{local}, "R1")
	require.NoError(t, err)
	var linked cloud.RecordID
	require.NoError(t, c.Read(testContext(t), func(*tree.Controller) { linked = local.RecordID() }))
	assert.NotEmpty(t, linked)

	require.NoError(t, c.Wait(testContext(t)))
	require.NoError(t, save.Err())
	found, ok := c.Tree().FindByRecordID(linked)
	require.True(t, ok)
	assert.Same(t, local, found)
}

func TestDeleteAllNeedsAdministrator(t *testing.T) {
	c := newCoordinator(t, seedStore(t, false), nil)
	require.NoError(t, c.Init(testContext(t)))
	_, err := c.DeleteAll(cloud.TypeProjectNode)
	code, _ := cloud.CodeOf(err)
	assert.Equal(t, cloud.CodePermissionFailure, code)
}

func TestBrowse(t *testing.T) {
	c := newCoordinator(t, seedStore(t, false), nil)
	imp, err := c.Browse("R1", nil)
	require.NoError(t, err)
	require.NoError(t, imp.Wait(testContext(t)))

	group, ok := c.Tree().FindByRecordID("R1")
	require.True(t, ok)
	assert.Equal(t, "MOFs", group.DisplayName)
	assert.Equal(t, 2, group.ChildCount())
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := seedStore(t, false)
	c := newCoordinator(t, s, nil)
	require.NoError(t, c.Init(testContext(t)))
	require.Equal(t, 1, s.Listeners())

	require.NoError(t, c.Shutdown(testContext(t)))
	require.NoError(t, c.Shutdown(testContext(t)))
	assert.Zero(t, s.Listeners())
	assert.Zero(t, c.Bus().Subscribers(notify.RemoteNotificationReceived))
	assert.False(t, c.Listening())

	_, err := c.Save(nil, "R1")
	assert.ErrorIs(t, err, ErrShutdown)
	assert.ErrorIs(t, c.Init(testContext(t)), ErrShutdown)
	assert.ErrorIs(t, c.Read(testContext(t), func(*tree.Controller) {}), ErrShutdown)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Tree: tree.NewController()})
	assert.Error(t, err)
	_, err = New(Config{Store: memstore.New(memstore.DefaultConfig())})
	assert.Error(t, err)
}

func TestSharedDatabaseFeedsNotifications(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(t.TempDir(), "records.db")
	open := func() *sqlstore.Store {
		cfg := sqlstore.DefaultConfig(path)
		cfg.Logger = nil
		cfg.Debounce = 10 * time.Millisecond
		s, err := sqlstore.Open(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	writer := open()
	root := &cloud.Record{ID: "R1", Type: cloud.TypeRootNode}
	root.Fields.Set(cloud.KeyDisplayName, "MOFs")
	root.Fields.Set(cloud.KeyType, cloud.NodeTypeGroup)
	_, failures, err := writer.SaveRecords(ctx, []*cloud.Record{root}, nil)
	require.NoError(t, err)
	require.Empty(t, failures)

	reader := open()
	c := newCoordinator(t, reader, nil)
	require.NoError(t, c.Init(ctx))
	require.NoError(t, reader.Watch(ctx))
	require.Len(t, c.Roots(), 1)

	rec := &cloud.Record{ID: "P1", Type: cloud.TypeProjectNode}
	rec.Fields.Set(cloud.KeyDisplayName, "IRMOF-1")
	rec.Fields.Set(cloud.KeyParent, cloud.Reference{ID: "R1"})
	_, failures, err = writer.SaveRecords(ctx, []*cloud.Record{rec}, nil)
	require.NoError(t, err)
	require.Empty(t, failures)

	require.Eventually(t, func() bool {
		_, ok := c.Tree().FindByRecordID("P1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Wait(ctx))
	n, _ := c.Tree().FindByRecordID("P1")
	assert.Equal(t, []string{"MOFs", "IRMOF-1"}, n.Path())
}
