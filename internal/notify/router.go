package notify

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/fetch"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/tree"
)

var (
	// ErrReasonNotHandled is returned for updated and deleted notifications,
	// which do not change the tree.
	ErrReasonNotHandled = errors.New("notification reason not handled")

	// ErrForeignSubscription is returned for notifications of another
	// subscription.
	ErrForeignSubscription = errors.New("notification of unknown subscription")
)

// Config holds the collaborators of a Router.
type Config struct {
	Fetch fetch.Config
	Tree  *tree.Controller

	// Queue runs the record fetches. Its dispatcher is the single writer of
	// Tree.
	Queue *operation.Queue

	// SubscriptionID is the only subscription whose notifications are routed.
	SubscriptionID string

	// OnSpliced is called on the dispatcher after a proxy was spliced.
	OnSpliced func(n *tree.Node)

	Logger *log.Logger
}

// Router turns remote notifications into tree changes.
type Router struct {
	cfg Config
}

// NewRouter creates a router.
func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Router{cfg: cfg}
}

// Attach subscribes the router to RemoteNotificationReceived on bus.
func (r *Router) Attach(bus *Bus) (detach func()) {
	return bus.Subscribe(RemoteNotificationReceived, func(n cloud.Notification) {
		if _, err := r.Handle(n); err != nil {
			r.cfg.Logger.Printf("notification %s for %s: %v", n.Reason, n.RecordID, err)
		}
	})
}

// Handle routes one notification. For a created record it schedules and
// returns the record fetch; the splice happens when the fetch completes.
func (r *Router) Handle(n cloud.Notification) (*fetch.FetchRecord, error) {
	if n.SubscriptionID != r.cfg.SubscriptionID {
		return nil, fmt.Errorf("%q: %w", n.SubscriptionID, ErrForeignSubscription)
	}
	switch n.Reason {
	case cloud.ReasonCreated:
	case cloud.ReasonUpdated, cloud.ReasonDeleted:
		return nil, fmt.Errorf("%s: %w", n.Reason, ErrReasonNotHandled)
	default:
		return nil, fmt.Errorf("reason %d: %w", int(n.Reason), ErrReasonNotHandled)
	}

	f := fetch.NewFetchRecord(r.cfg.Fetch, n.RecordID, cloud.ChildKeys)
	f.OnComplete(func(err error) {
		if err != nil {
			r.cfg.Logger.Printf("failed to fetch created record %s: %v", n.RecordID, err)
			return
		}
		r.splice(f.Record())
	})
	r.cfg.Queue.Add(f)
	return f, nil
}

// splice runs on the dispatcher.
func (r *Router) splice(rec *cloud.Record) {
	parentID, ok := rec.Parent()
	if !ok {
		r.cfg.Logger.Printf("created record %s has no parent", rec.ID)
		return
	}
	parent, ok := r.cfg.Tree.FindByRecordID(parentID)
	if !ok {
		r.cfg.Logger.Printf("parent %s of created record %s is not in the tree", parentID, rec.ID)
		return
	}
	if _, dup := r.cfg.Tree.FindByRecordID(rec.ID); dup {
		return
	}

	node := fetch.NewProxy(r.cfg.Tree, rec)
	if err := r.cfg.Tree.InsertSorted(node, parent); err != nil {
		r.cfg.Logger.Printf("failed to splice %q: %v", node.DisplayName, err)
		return
	}
	r.cfg.Logger.Printf("spliced %q under %q", node.DisplayName, parent.DisplayName)
	if r.cfg.OnSpliced != nil {
		r.cfg.OnSpliced(node)
	}
}
