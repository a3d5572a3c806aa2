package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/query"
	"github.com/iraspa/projectsync/internal/retry"
	"github.com/iraspa/projectsync/internal/tree"
)

// NewRecordID returns a fresh record name.
func NewRecordID() cloud.RecordID {
	return cloud.RecordID(strings.ToUpper(uuid.NewString()))
}

// SaveProject uploads nodes as project records below a parent record. The
// save is not atomic: each record succeeds or fails on its own. Nodes saved
// for the first time are linked to their new record before the upload, so
// the notification of their own creation finds them in the tree; the link is
// undone for records that were not saved.
type SaveProject struct {
	*retry.Call

	ctl      *tree.Controller
	nodes    map[cloud.RecordID]*tree.Node
	fresh    map[cloud.RecordID]bool
	buildErr error

	mu       sync.Mutex
	saved    []*cloud.Record
	failures map[cloud.RecordID]error
}

// NewSaveProject prepares the upload of nodes under parent.
func NewSaveProject(cfg Config, ctl *tree.Controller, nodes []*tree.Node, parent cloud.RecordID) *SaveProject {
	s := &SaveProject{
		ctl:      ctl,
		nodes:    make(map[cloud.RecordID]*tree.Node, len(nodes)),
		fresh:    make(map[cloud.RecordID]bool),
		failures: make(map[cloud.RecordID]error),
	}
	records, assets, err := s.build(cfg, nodes, parent)
	s.buildErr = err

	s.Call = single(fmt.Sprintf("save %d projects", len(nodes)), cfg.Policy, func(ctx context.Context, _ *operation.Operation) error {
		if s.buildErr != nil {
			return s.buildErr
		}
		saved, failures, err := cfg.Store.SaveRecords(ctx, records, assets)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.saved = saved
		for id, ferr := range failures {
			s.failures[id] = ferr
		}
		s.mu.Unlock()
		for id, ferr := range failures {
			cfg.logger().Printf("failed to save %q: %v", s.nodes[id].DisplayName, ferr)
		}
		return nil
	})
	s.OnComplete(func(err error) {
		failures := s.Failures()
		for id := range s.fresh {
			if err == nil && failures[id] == nil {
				continue
			}
			_ = ctl.SetRecordID(s.nodes[id], "")
		}
	})
	return s
}

func (s *SaveProject) build(cfg Config, nodes []*tree.Node, parent cloud.RecordID) ([]*cloud.Record, map[cloud.RecordID][]byte, error) {
	if parent == "" {
		return nil, nil, ErrNoParentRecord
	}
	records := make([]*cloud.Record, 0, len(nodes))
	assets := make(map[cloud.RecordID][]byte, len(nodes))
	for _, n := range nodes {
		id := n.RecordID()
		if id == "" {
			id = NewRecordID()
			if err := s.ctl.SetRecordID(n, id); err != nil {
				return nil, nil, fmt.Errorf("failed to link %q: %w", n.DisplayName, err)
			}
			s.fresh[id] = true
		}
		s.nodes[id] = n

		payload := n.Payload()
		kind := cloud.NodeTypeStructure
		if payload.Kind == archive.KindGroup {
			kind = cloud.NodeTypeGroup
		}
		info, err := EncodeInfo(n.Info)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode info of %q: %w", n.DisplayName, err)
		}

		r := &cloud.Record{ID: id, Type: cfg.recordType()}
		r.Fields.Set(cloud.KeyDisplayName, n.DisplayName)
		r.Fields.Set(cloud.KeyType, kind)
		r.Fields.Set(cloud.KeyParent, cloud.Reference{ID: parent})
		if info != nil {
			r.Fields.Set(cloud.KeyRepresentedObjectInfo, info)
		}

		project := payload.Project
		if project == nil {
			project = &archive.Project{Name: n.DisplayName, Kind: payload.Kind}
		}
		data, err := archive.EncodeBinary(project)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode %q: %w", n.DisplayName, err)
		}
		assets[id] = data
		records = append(records, r)
	}
	return records, assets, nil
}

// Saved returns the records the store accepted.
func (s *SaveProject) Saved() []*cloud.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*cloud.Record, len(s.saved))
	copy(out, s.saved)
	return out
}

// Failures returns the per-record failures.
func (s *SaveProject) Failures() map[cloud.RecordID]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[cloud.RecordID]error, len(s.failures))
	for id, err := range s.failures {
		out[id] = err
	}
	return out
}

// deleteBatch bounds the number of ids per delete request.
const deleteBatch = 400

// DeleteAllRecords removes every record of one type: a paginated id listing
// followed by batched deletes.
type DeleteAllRecords struct {
	*operation.Group

	mu       sync.Mutex
	ids      []cloud.RecordID
	deleted  int
	failures map[cloud.RecordID]error
}

// NewDeleteAllRecords prepares the removal of all records of recordType.
func NewDeleteAllRecords(cfg Config, recordType string) *DeleteAllRecords {
	d := &DeleteAllRecords{
		Group:    operation.NewGroup("delete all "+recordType, 1),
		failures: make(map[cloud.RecordID]error),
	}
	list := query.New("list "+recordType, query.Config{
		Store:    cfg.Store,
		Query:    cloud.Query{RecordType: recordType, DesiredKeys: []string{}},
		PageSize: cfg.PageSize,
		Policy:   cfg.Policy,
		OnRecord: func(r *cloud.Record) {
			d.mu.Lock()
			d.ids = append(d.ids, r.ID)
			d.mu.Unlock()
		},
	})
	del := single("delete "+recordType, cfg.Policy, d.deleteListed(cfg))
	_ = del.AddDependency(list)
	_ = d.Add(list)
	_ = d.Add(del)
	return d
}

// deleteListed deletes the listed ids that are still pending, so a retried
// attempt continues where the failed one stopped.
func (d *DeleteAllRecords) deleteListed(cfg Config) operation.RunFunc {
	return func(ctx context.Context, _ *operation.Operation) error {
		for {
			d.mu.Lock()
			n := min(len(d.ids), deleteBatch)
			batch := append([]cloud.RecordID(nil), d.ids[:n]...)
			d.mu.Unlock()
			if n == 0 {
				return nil
			}

			deleted, failures, err := cfg.Store.DeleteRecords(ctx, batch)
			if err != nil {
				return err
			}
			d.mu.Lock()
			d.ids = d.ids[n:]
			d.deleted += len(deleted)
			for id, ferr := range failures {
				d.failures[id] = ferr
			}
			d.mu.Unlock()
		}
	}
}

// Deleted returns the number of records removed.
func (d *DeleteAllRecords) Deleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleted
}

// Failures returns the per-record failures.
func (d *DeleteAllRecords) Failures() map[cloud.RecordID]error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[cloud.RecordID]error, len(d.failures))
	for id, err := range d.failures {
		out[id] = err
	}
	return out
}
