package fetch

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/query"
	"github.com/iraspa/projectsync/internal/tree"
)

// EncodeInfo serializes a node's info dictionary for the
// representedObjectInfo field.
func EncodeInfo(info map[string]any) ([]byte, error) {
	if len(info) == 0 {
		return nil, nil
	}
	return yaml.Marshal(info)
}

// DecodeInfo parses a representedObjectInfo field.
func DecodeInfo(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var info map[string]any
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode project info: %w", err)
	}
	return info, nil
}

// NewProxy builds a detached, unloaded, read-only node for a listed record.
// Records typed as groups become group proxies.
func NewProxy(ctl *tree.Controller, r *cloud.Record) *tree.Node {
	n := ctl.NewProxy(r.DisplayName(), r.ID)
	n.Owner = string(r.Creator)
	if info, err := DecodeInfo(r.Fields.Bytes(cloud.KeyRepresentedObjectInfo)); err == nil {
		n.Info = info
	}
	kind := archive.KindLeaf
	if t, ok := r.Fields.Int(cloud.KeyType); ok && t == cloud.NodeTypeGroup {
		kind = archive.KindGroup
	}
	ctl.SetPayload(n, tree.Payload{State: tree.Unloaded, Kind: kind})
	return n
}

// FetchChildren lists the project records whose parent is a given record,
// as proxies ordered by display name.
type FetchChildren struct {
	*query.Paginated

	ctl *tree.Controller

	mu    sync.Mutex
	nodes []*tree.Node
}

// NewFetchChildren returns a listing of parent's children.
func NewFetchChildren(cfg Config, ctl *tree.Controller, parent cloud.RecordID) *FetchChildren {
	f := &FetchChildren{ctl: ctl}
	f.Paginated = query.New("fetch children of "+string(parent), query.Config{
		Store: cfg.Store,
		Query: cloud.Query{
			RecordType:  cfg.recordType(),
			Parent:      &parent,
			SortKey:     cloud.KeyDisplayName,
			DesiredKeys: cloud.ChildKeys,
		},
		PageSize: cfg.PageSize,
		Policy:   cfg.Policy,
		OnRecord: f.add,
	})
	return f
}

func (f *FetchChildren) add(r *cloud.Record) {
	n := NewProxy(f.ctl, r)
	f.mu.Lock()
	f.nodes = append(f.nodes, n)
	f.mu.Unlock()
}

// Nodes returns the detached proxies in server order.
func (f *FetchChildren) Nodes() []*tree.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*tree.Node, len(f.nodes))
	copy(out, f.nodes)
	return out
}

// QueryNodes lists every record of one type, ordered by display name, with
// only the root keys.
type QueryNodes struct {
	*query.Paginated

	mu      sync.Mutex
	records []*cloud.Record
}

// NewQueryNodes returns a listing of all records of recordType.
func NewQueryNodes(cfg Config, recordType string) *QueryNodes {
	q := &QueryNodes{}
	q.Paginated = query.New("query "+recordType, query.Config{
		Store: cfg.Store,
		Query: cloud.Query{
			RecordType:  recordType,
			SortKey:     cloud.KeyDisplayName,
			DesiredKeys: cloud.RootKeys,
		},
		PageSize: cfg.PageSize,
		Policy:   cfg.Policy,
		OnRecord: func(r *cloud.Record) {
			q.mu.Lock()
			q.records = append(q.records, r)
			q.mu.Unlock()
		},
	})
	return q
}

// Records returns the listed records in server order.
func (q *QueryNodes) Records() []*cloud.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*cloud.Record, len(q.records))
	copy(out, q.records)
	return out
}

// ImportChildNodes fetches a parent record and then lists its children.
type ImportChildNodes struct {
	*operation.Group

	parent *FetchRecord

	mu       sync.Mutex
	children *FetchChildren
}

// NewImportChildNodes returns the two-stage child import of parent.
func NewImportChildNodes(cfg Config, ctl *tree.Controller, parent cloud.RecordID) *ImportChildNodes {
	imp := &ImportChildNodes{
		Group:  operation.NewGroup("import children of "+string(parent), 1),
		parent: NewFetchRecord(cfg, parent, []string{cloud.KeyDisplayName}),
	}
	adapter := operation.New("list children of "+string(parent), func(_ context.Context, _ *operation.Operation) error {
		r := imp.parent.Record()
		if r == nil {
			return fmt.Errorf("import children of %s: %w", parent, ErrRecordMissing)
		}
		children := NewFetchChildren(cfg, ctl, r.ID)
		imp.mu.Lock()
		imp.children = children
		imp.mu.Unlock()
		return imp.Add(children)
	})
	// Dependencies are added before either child is scheduled.
	_ = adapter.AddDependency(imp.parent)
	_ = imp.Add(imp.parent)
	_ = imp.Add(adapter)
	return imp
}

// Parent returns the fetched parent record, or nil.
func (imp *ImportChildNodes) Parent() *cloud.Record { return imp.parent.Record() }

// Nodes returns the detached child proxies.
func (imp *ImportChildNodes) Nodes() []*tree.Node {
	imp.mu.Lock()
	children := imp.children
	imp.mu.Unlock()
	if children == nil {
		return nil
	}
	return children.Nodes()
}
