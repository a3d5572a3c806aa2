package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/retry"
	"github.com/iraspa/projectsync/internal/tree"
)

// Progress weights of the import stages, in units of ImportUnits.
const (
	ImportUnits       = 10
	importFetchUnits  = 8
	importDecodeUnits = ImportUnits - importFetchUnits
)

// downloadSteps is the resolution of the download progress.
const downloadSteps = 100

// ImportProject downloads and decodes the payload of one project node.
//
// The target node is either an attached proxy, which is marked loading
// while the import runs, or a detached placeholder, which is spliced under
// the given parent at construction. When the import finishes:
//
//   - on success the payload is replaced in one step and the decoded
//     sub-projects are spliced below the node;
//   - on failure the payload becomes an error and the failure is written to
//     the sink under the node's display name;
//   - on cancellation a spliced placeholder is removed with everything
//     below it and a proxy reverts to unloaded.
type ImportProject struct {
	*operation.Group

	cfg      Config
	ctl      *tree.Controller
	node     *tree.Node
	spliced  bool
	previous tree.Payload

	fetch  *retry.Call
	decode *operation.Operation

	mu       sync.Mutex
	record   *cloud.Record
	data     []byte
	project  *archive.Project
	strategy string
}

// NewImportProject prepares the import of node. When node is detached it
// is spliced under parent first; parent nil means the top level.
func NewImportProject(cfg Config, ctl *tree.Controller, node, parent *tree.Node) (*ImportProject, error) {
	id := node.RecordID()
	if id == "" {
		return nil, fmt.Errorf("import %q: %w", node.DisplayName, ErrRecordMissing)
	}
	imp := &ImportProject{
		Group:    operation.NewGroup("import "+node.DisplayName, 1),
		cfg:      cfg,
		ctl:      ctl,
		node:     node,
		previous: node.Payload(),
	}

	loading := imp.previous
	loading.State = tree.Loading
	loading.Err = nil
	if !ctl.Contains(node) {
		ctl.SetPayload(node, loading)
		if err := ctl.Append(node, parent); err != nil {
			ctl.SetPayload(node, imp.previous)
			return nil, fmt.Errorf("failed to splice %q: %w", node.DisplayName, err)
		}
		imp.spliced = true
	} else {
		ctl.SetPayload(node, loading)
	}

	imp.fetch = retry.New("fetch "+node.DisplayName, cfg.Policy, func() *operation.Operation {
		return operation.New("download "+string(id), imp.download)
	})
	imp.decode = operation.New("decode "+node.DisplayName, imp.decodePayload)
	_ = imp.decode.AddDependency(imp.fetch)

	_ = imp.AddWeighted(imp.fetch, importFetchUnits)
	_ = imp.AddWeighted(imp.decode, importDecodeUnits)
	imp.OnComplete(imp.apply)
	return imp, nil
}

// Node returns the import target.
func (imp *ImportProject) Node() *tree.Node { return imp.node }

// Strategy returns the name of the decode strategy that succeeded.
func (imp *ImportProject) Strategy() string {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.strategy
}

// Project returns the decoded project, or nil.
func (imp *ImportProject) Project() *archive.Project {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.project
}

func (imp *ImportProject) download(ctx context.Context, op *operation.Operation) error {
	id := imp.node.RecordID()
	r, err := fetchOne(ctx, imp.cfg.Store, id, nil, nil)
	if err != nil {
		return err
	}
	if r.Asset == nil {
		return fmt.Errorf("record %s: %w", id, ErrNoAsset)
	}

	p := op.Progress()
	p.SetTotal(downloadSteps)
	data, err := imp.cfg.Store.FetchAsset(ctx, *r.Asset, func(f float64) {
		p.SetCompleted(int64(f * downloadSteps))
	})
	if err != nil {
		return err
	}

	imp.mu.Lock()
	imp.record = r
	imp.data = data
	imp.mu.Unlock()
	return nil
}

func (imp *ImportProject) decodePayload(ctx context.Context, _ *operation.Operation) error {
	imp.mu.Lock()
	data := imp.data
	imp.mu.Unlock()

	project, used, err := imp.cfg.chain().Decode(data)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return operation.ErrCancelled
	}
	if err := imp.cfg.model().Finalize(project); err != nil {
		return fmt.Errorf("failed to finalize %q: %w", imp.node.DisplayName, err)
	}

	imp.mu.Lock()
	imp.project = project
	imp.strategy = used
	imp.data = nil
	imp.mu.Unlock()
	return nil
}

// apply runs on the dispatcher once the import has finished.
func (imp *ImportProject) apply(err error) {
	name := imp.node.DisplayName
	switch {
	case errors.Is(err, operation.ErrCancelled):
		imp.rollback()
		imp.cfg.logger().Printf("import of %q cancelled", name)

	case err != nil:
		failed := imp.previous
		failed.State = tree.Failed
		failed.Err = err
		imp.ctl.SetPayload(imp.node, failed)
		if imp.cfg.Sink != nil {
			imp.cfg.Sink.Error(name, "%v", err)
		}
		imp.cfg.logger().Printf("import of %q failed: %v", name, err)

	default:
		project := imp.Project()
		loaded := tree.Payload{State: tree.Loaded, Kind: project.Kind, Project: project}
		subtrees := make([]*tree.Node, 0, len(project.Children))
		for _, child := range project.Children {
			sub, berr := imp.build(child)
			if berr != nil {
				imp.cfg.logger().Printf("import of %q: %v", name, berr)
				continue
			}
			subtrees = append(subtrees, sub)
		}
		if lerr := imp.ctl.Load(imp.node, loaded, subtrees); lerr != nil {
			imp.cfg.logger().Printf("import of %q: failed to splice children: %v", name, lerr)
			imp.ctl.SetPayload(imp.node, loaded)
		}
		imp.cfg.logger().Printf("imported %q (%s)", name, imp.Strategy())
	}
}

// build turns a decoded sub-project into a detached subtree.
func (imp *ImportProject) build(p *archive.Project) (*tree.Node, error) {
	n := imp.ctl.NewNode(p.Name)
	n.Editable = true
	n.Draggable = true
	imp.ctl.SetPayload(n, tree.Payload{State: tree.Loaded, Kind: p.Kind, Project: p})
	for _, c := range p.Children {
		sub, err := imp.build(c)
		if err != nil {
			return nil, err
		}
		if err := imp.ctl.Link(sub, n); err != nil {
			return nil, fmt.Errorf("failed to splice %q: %w", c.Name, err)
		}
	}
	return n, nil
}

func (imp *ImportProject) rollback() {
	if imp.spliced {
		if imp.ctl.Contains(imp.node) {
			_ = imp.ctl.Remove(imp.node)
		}
		imp.ctl.SetPayload(imp.node, imp.previous)
		return
	}
	imp.ctl.SetPayload(imp.node, imp.previous)
}

// ImportBatch imports several projects side by side. A failed import is
// recorded and does not affect its siblings.
type ImportBatch struct {
	*operation.Group

	imports []*ImportProject

	mu       sync.Mutex
	failures map[*tree.Node]error
}

// NewImportBatch prepares imports of nodes. Detached nodes are spliced
// under parent. Nodes that cannot be imported at all are reported as
// failures without an import.
func NewImportBatch(cfg Config, ctl *tree.Controller, nodes []*tree.Node, parent *tree.Node, maxConcurrent int64) *ImportBatch {
	b := &ImportBatch{
		Group:    operation.NewGroup(fmt.Sprintf("import %d projects", len(nodes)), maxConcurrent),
		failures: make(map[*tree.Node]error),
	}
	byOp := make(map[*operation.Operation]*tree.Node)
	for _, n := range nodes {
		imp, err := NewImportProject(cfg, ctl, n, parent)
		if err != nil {
			b.failures[n] = err
			continue
		}
		b.imports = append(b.imports, imp)
		byOp[imp.Op()] = n
	}
	b.OnChildError(func(child *operation.Operation, err error) error {
		b.mu.Lock()
		b.failures[byOp[child]] = err
		b.mu.Unlock()
		return nil
	})
	for _, imp := range b.imports {
		_ = b.AddWeighted(imp, ImportUnits)
	}
	return b
}

// Imports returns the scheduled imports.
func (b *ImportBatch) Imports() []*ImportProject { return b.imports }

// Failures returns the error of every node that did not import.
func (b *ImportBatch) Failures() map[*tree.Node]error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[*tree.Node]error, len(b.failures))
	for n, err := range b.failures {
		out[n] = err
	}
	return out
}
