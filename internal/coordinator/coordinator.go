// Package coordinator owns the sync session of one project tree.
//
// A Coordinator is constructed explicitly and passed to whoever needs it.
// Init runs the bootstrap sequence on the coordinator's queue:
//
//	account status ─► discovery permission ─► install subscription
//	    ─► current user ─► root listings ─► (listener registered)
//
// Each step depends on the previous one but a failed step does not stop the
// steps after it; failures are logged, collected and returned by Init. The
// notification listener is registered once the root listings are done and
// is removed again by Shutdown.
//
// Every tree mutation made by the coordinator or by the operations it
// schedules runs on the coordinator's dispatcher.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/fetch"
	"github.com/iraspa/projectsync/internal/logging"
	"github.com/iraspa/projectsync/internal/notify"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/retry"
	"github.com/iraspa/projectsync/internal/tree"
)

// DefaultSubscriptionID is the id of the project change subscription.
const DefaultSubscriptionID = "iRASPA projects"

// RootOwner is the owner of root proxies.
const RootOwner = "root"

var (
	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = errors.New("coordinator already initialized")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("coordinator shut down")

	// ErrNotExpandable is returned by Expand for nodes without a remote group.
	ErrNotExpandable = errors.New("node has no remote children")
)

// Observer receives session events. Nil fields are skipped. NodeSpliced and
// BootstrapComplete run on the dispatcher; ImportProgress runs on whichever
// goroutine advanced the import.
type Observer struct {
	NodeSpliced       func(n *tree.Node)
	ImportProgress    func(name string, fraction float64)
	BootstrapComplete func(err error)
}

// Config holds configuration for a Coordinator.
type Config struct {
	Store cloud.Store
	Tree  *tree.Controller

	// Bus carries remote notifications to the router. Nil creates a private
	// bus.
	Bus *notify.Bus

	Policy retry.Policy

	// QueueSize bounds the number of operations running at once.
	QueueSize int64

	// PageSize is the page size of listings. Zero uses the store default.
	PageSize int

	SubscriptionID string

	// RecordTypes are listed by the bootstrap as root nodes.
	RecordTypes []string

	// ProjectType is the record type of projects.
	ProjectType string

	// RootParent receives the root proxies. Nil means the top level.
	RootParent *tree.Node

	Chain archive.Chain
	Model archive.Model
	Sink  *logging.Sink

	Logger   *log.Logger
	Observer Observer
}

// DefaultConfig returns a Config for store and ctl with production defaults.
func DefaultConfig(store cloud.Store, ctl *tree.Controller) Config {
	return Config{
		Store:          store,
		Tree:           ctl,
		Policy:         retry.DefaultPolicy(),
		QueueSize:      operation.DefaultQueueConfig().MaxConcurrent,
		SubscriptionID: DefaultSubscriptionID,
		RecordTypes:    []string{cloud.TypeRootNode},
		ProjectType:    cloud.TypeProjectNode,
		Chain:          archive.DefaultChain(),
		Model:          archive.DefaultModel{},
	}
}

// Coordinator runs the sync session.
type Coordinator struct {
	cfg        Config
	fetch      fetch.Config
	dispatcher *operation.Dispatcher
	queue      *operation.Queue
	router     *notify.Router
	logger     *log.Logger

	mu       sync.Mutex
	inited   bool
	closed   bool
	identity *fetch.Identity
	roots    []*tree.Node
	bootErrs []error
	unlisten func()
	detach   func()

	shutdownOnce sync.Once
}

// New creates a coordinator. It starts the dispatcher but schedules nothing.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Tree == nil {
		return nil, fmt.Errorf("tree cannot be nil")
	}
	def := DefaultConfig(cfg.Store, cfg.Tree)
	if cfg.Bus == nil {
		cfg.Bus = notify.NewBus()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SubscriptionID == "" {
		cfg.SubscriptionID = def.SubscriptionID
	}
	if len(cfg.RecordTypes) == 0 {
		cfg.RecordTypes = def.RecordTypes
	}
	if cfg.ProjectType == "" {
		cfg.ProjectType = def.ProjectType
	}
	if cfg.Policy.MaxAttempts == 0 && cfg.Policy.DefaultDelay == 0 {
		cfg.Policy = def.Policy
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	c := &Coordinator{
		cfg:        cfg,
		dispatcher: operation.NewDispatcher(),
		logger:     cfg.Logger,
	}
	c.queue = operation.NewQueue(operation.QueueConfig{MaxConcurrent: cfg.QueueSize, Dispatcher: c.dispatcher})
	c.fetch = fetch.Config{
		Store:      cfg.Store,
		Policy:     cfg.Policy,
		PageSize:   cfg.PageSize,
		RecordType: cfg.ProjectType,
		Chain:      cfg.Chain,
		Model:      cfg.Model,
		Sink:       cfg.Sink,
		Logger:     cfg.Logger,
	}
	c.router = notify.NewRouter(notify.Config{
		Fetch:          c.fetch,
		Tree:           cfg.Tree,
		Queue:          c.queue,
		SubscriptionID: cfg.SubscriptionID,
		OnSpliced:      cfg.Observer.NodeSpliced,
		Logger:         cfg.Logger,
	})
	return c, nil
}

// Init runs the bootstrap sequence and blocks until it has finished or ctx
// is done. It returns the joined errors of the failed steps. When ctx ends
// first the bootstrap keeps running and ctx's error is returned.
func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrShutdown
	case c.inited:
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.inited = true
	g := c.newBootstrap()
	c.mu.Unlock()

	c.queue.Add(g)
	if err := g.Wait(ctx); err != nil {
		return err
	}
	return c.bootstrapErr()
}

func (c *Coordinator) newBootstrap() *operation.Group {
	g := operation.NewGroup("bootstrap", 1)
	g.OnChildError(func(child *operation.Operation, err error) error {
		c.logger.Printf("bootstrap step %q failed: %v", child.Name(), err)
		c.mu.Lock()
		c.bootErrs = append(c.bootErrs, fmt.Errorf("%s: %w", child.Name(), err))
		c.mu.Unlock()
		return nil
	})

	account := fetch.NewAccountStatus(c.fetch)
	discovery := fetch.NewDiscoveryPermission(c.fetch)
	subscribe := fetch.NewInstallSubscription(c.fetch, cloud.Subscription{
		ID:          c.cfg.SubscriptionID,
		RecordType:  c.cfg.ProjectType,
		Reasons:     []cloud.Reason{cloud.ReasonCreated, cloud.ReasonUpdated, cloud.ReasonDeleted},
		DesiredKeys: []string{cloud.KeyDisplayName, cloud.KeyParent},
	})
	user := fetch.NewFetchCurrentUser(c.fetch)
	user.OnComplete(func(err error) {
		if err != nil {
			return
		}
		id := user.Identity()
		c.mu.Lock()
		c.identity = &id
		c.mu.Unlock()
		c.logger.Printf("signed in as %s (administrator: %t)", id.RecordID, id.Administrator)
	})

	steps := []operation.Task{account, discovery, subscribe, user}
	for _, recordType := range c.cfg.RecordTypes {
		q := fetch.NewQueryNodes(c.fetch, recordType)
		q.OnComplete(func(error) { c.spliceRoots(q.Records()) })
		steps = append(steps, q)
	}
	// Every root listing depends on the user fetch, the earlier steps
	// form a chain.
	for i, step := range steps {
		if i > 0 {
			_ = step.Op().AddDependency(steps[min(i-1, 3)])
		}
		_ = g.Add(step)
	}

	g.OnComplete(func(error) {
		c.listen()
		if c.cfg.Observer.BootstrapComplete != nil {
			c.cfg.Observer.BootstrapComplete(c.bootstrapErr())
		}
	})
	return g
}

// spliceRoots runs on the dispatcher. Records already in the tree are
// skipped, so a partial listing still contributes what it delivered.
func (c *Coordinator) spliceRoots(records []*cloud.Record) {
	for _, r := range records {
		if _, ok := c.cfg.Tree.FindByRecordID(r.ID); ok {
			continue
		}
		n := fetch.NewProxy(c.cfg.Tree, r)
		n.Owner = RootOwner
		c.cfg.Tree.SetPayload(n, tree.Payload{State: tree.Unloaded, Kind: archive.KindGroup})
		if err := c.cfg.Tree.Append(n, c.cfg.RootParent); err != nil {
			c.logger.Printf("failed to add root %q: %v", n.DisplayName, err)
			continue
		}
		c.mu.Lock()
		c.roots = append(c.roots, n)
		c.mu.Unlock()
		if c.cfg.Observer.NodeSpliced != nil {
			c.cfg.Observer.NodeSpliced(n)
		}
	}
}

// listen registers the notification listener once.
func (c *Coordinator) listen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.unlisten != nil {
		return
	}
	bus := c.cfg.Bus
	c.detach = c.router.Attach(bus)
	c.unlisten = c.cfg.Store.Listen(func(n cloud.Notification) {
		bus.Publish(notify.RemoteNotificationReceived, n)
	})
	c.logger.Printf("listening for %q notifications", c.cfg.SubscriptionID)
}

func (c *Coordinator) bootstrapErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.bootErrs...)
}

// Listening reports whether the notification listener is registered.
func (c *Coordinator) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlisten != nil
}

// CurrentUser returns the signed-in user once the bootstrap fetched it.
func (c *Coordinator) CurrentUser() (fetch.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return fetch.Identity{}, false
	}
	return *c.identity, true
}

// IsAdministrator reports whether the signed-in user is an administrator.
func (c *Coordinator) IsAdministrator() bool {
	id, ok := c.CurrentUser()
	return ok && id.Administrator
}

// Roots returns the root proxies added by the bootstrap.
func (c *Coordinator) Roots() []*tree.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*tree.Node, len(c.roots))
	copy(out, c.roots)
	return out
}

// Tree returns the managed tree.
func (c *Coordinator) Tree() *tree.Controller { return c.cfg.Tree }

// Bus returns the notification bus.
func (c *Coordinator) Bus() *notify.Bus { return c.cfg.Bus }

// Dispatcher returns the tree's writer context.
func (c *Coordinator) Dispatcher() *operation.Dispatcher { return c.dispatcher }

// FetchConfig returns the configuration shared by scheduled operations.
func (c *Coordinator) FetchConfig() fetch.Config { return c.fetch }

func (c *Coordinator) schedule(t operation.Task) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	c.queue.Add(t)
	return nil
}

// Expand lists the remote children of a group proxy and appends the ones
// not yet in the tree below it.
func (c *Coordinator) Expand(n *tree.Node) (*fetch.FetchChildren, error) {
	if n.RecordID() == "" || !n.IsGroup() {
		return nil, fmt.Errorf("expand %q: %w", n.DisplayName, ErrNotExpandable)
	}
	f := fetch.NewFetchChildren(c.fetch, c.cfg.Tree, n.RecordID())
	f.OnComplete(func(err error) {
		if err != nil {
			c.logger.Printf("failed to expand %q: %v", n.DisplayName, err)
		}
		c.appendChildren(f.Nodes(), n)
		c.cfg.Tree.Update(func() { n.Expanded = true })
	})
	if err := c.schedule(f); err != nil {
		return nil, err
	}
	return f, nil
}

// Browse fetches record id and lists its children below under, creating a
// group named after the record at the top level when under is nil.
func (c *Coordinator) Browse(id cloud.RecordID, under *tree.Node) (*fetch.ImportChildNodes, error) {
	imp := fetch.NewImportChildNodes(c.fetch, c.cfg.Tree, id)
	imp.OnComplete(func(err error) {
		if err != nil {
			c.logger.Printf("failed to browse %s: %v", id, err)
			return
		}
		parent := under
		if parent == nil {
			if existing, ok := c.cfg.Tree.FindByRecordID(id); ok {
				parent = existing
			} else {
				parent = fetch.NewProxy(c.cfg.Tree, imp.Parent())
				c.cfg.Tree.SetPayload(parent, tree.Payload{State: tree.Loaded, Kind: archive.KindGroup})
				if aerr := c.cfg.Tree.Append(parent, nil); aerr != nil {
					c.logger.Printf("failed to add %q: %v", parent.DisplayName, aerr)
					return
				}
			}
		}
		c.appendChildren(imp.Nodes(), parent)
	})
	if err := c.schedule(imp); err != nil {
		return nil, err
	}
	return imp, nil
}

// appendChildren runs on the dispatcher.
func (c *Coordinator) appendChildren(nodes []*tree.Node, parent *tree.Node) {
	if !c.cfg.Tree.Contains(parent) {
		return
	}
	for _, child := range nodes {
		if _, ok := c.cfg.Tree.FindByRecordID(child.RecordID()); ok {
			continue
		}
		if err := c.cfg.Tree.Append(child, parent); err != nil {
			c.logger.Printf("failed to add %q: %v", child.DisplayName, err)
			continue
		}
		if c.cfg.Observer.NodeSpliced != nil {
			c.cfg.Observer.NodeSpliced(child)
		}
	}
}

// Import downloads the payloads of nodes side by side. Detached nodes are
// spliced under parent while they load. The batch is built on the
// dispatcher, so Import must not be called from a completion callback.
func (c *Coordinator) Import(nodes []*tree.Node, parent *tree.Node) (*fetch.ImportBatch, error) {
	var b *fetch.ImportBatch
	c.dispatcher.DispatchSync(func() {
		b = fetch.NewImportBatch(c.fetch, c.cfg.Tree, nodes, parent, c.cfg.QueueSize)
	})
	if report := c.cfg.Observer.ImportProgress; report != nil {
		for _, imp := range b.Imports() {
			name := imp.Node().DisplayName
			cancel := imp.Progress().Subscribe(func(f float64) { report(name, f) })
			imp.OnComplete(func(error) { cancel() })
		}
	}
	for n, err := range b.Failures() {
		c.logger.Printf("cannot import %q: %v", n.DisplayName, err)
	}
	if err := c.schedule(b); err != nil {
		b.Cancel()
		return nil, err
	}
	return b, nil
}

// Save uploads nodes below the parent record. Fresh record ids are linked on
// the dispatcher, so Save must not be called from a completion callback.
func (c *Coordinator) Save(nodes []*tree.Node, parent cloud.RecordID) (*fetch.SaveProject, error) {
	var s *fetch.SaveProject
	c.dispatcher.DispatchSync(func() {
		s = fetch.NewSaveProject(c.fetch, c.cfg.Tree, nodes, parent)
	})
	if err := c.schedule(s); err != nil {
		return nil, err
	}
	return s, nil
}

// DeleteAll removes every record of recordType. Only administrators may do
// this.
func (c *Coordinator) DeleteAll(recordType string) (*fetch.DeleteAllRecords, error) {
	if !c.IsAdministrator() {
		return nil, &cloud.Error{Code: cloud.CodePermissionFailure, Err: fmt.Errorf("delete all %s needs an administrator", recordType)}
	}
	d := fetch.NewDeleteAllRecords(c.fetch, recordType)
	if err := c.schedule(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Read runs fn on the dispatcher and waits for it, so fn observes the tree
// between two mutations. It must not be called from the dispatcher.
func (c *Coordinator) Read(ctx context.Context, fn func(ctl *tree.Controller)) error {
	done := make(chan struct{})
	if !c.dispatcher.Dispatch(func() {
		defer close(done)
		fn(c.cfg.Tree)
	}) {
		return ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every scheduled operation has finished.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.queue.Wait(ctx)
}

// Shutdown removes the notification listener, cancels unfinished
// operations, waits for them and stops the dispatcher. It is safe to call
// more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		unlisten, detach := c.unlisten, c.detach
		c.unlisten, c.detach = nil, nil
		c.mu.Unlock()

		if unlisten != nil {
			unlisten()
		}
		if detach != nil {
			detach()
		}
		c.queue.CancelAll()
		if werr := c.queue.Wait(ctx); werr != nil {
			err = fmt.Errorf("failed to drain operations: %w", werr)
		}
		c.dispatcher.Stop()
		c.logger.Printf("coordinator stopped")
	})
	return err
}
