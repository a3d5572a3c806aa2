// Package fetch provides the typed remote operations of the sync layer.
//
// Every operation here is a composite built from the operation, retry and
// query packages. A single remote call is wrapped in a retry.Call so that a
// transient failure schedules a delayed fresh attempt inside the same
// composite; listings are query.Paginated composites that deliver records
// page by page and resume from the last cursor.
//
// Operations that change the tree do so from completion callbacks, which run
// on the dispatcher of the queue the operation was added to.
//
// Architecture:
//
//	ImportChildNodes
//	  ├── FetchRecord (retry.Call)
//	  └── adapter ──► FetchChildren (query.Paginated)
//
//	ImportProject (10 units)
//	  ├── fetch  (8, retry.Call: record + asset download)
//	  └── decode (2, archive.Chain, then Model.Finalize)
package fetch

import (
	"context"
	"errors"
	"io"
	"log"
	"os"

	"github.com/iraspa/projectsync/internal/archive"
	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/logging"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/retry"
)

var (
	// ErrNoParentRecord is returned when a node to be saved has no parent
	// record to link to.
	ErrNoParentRecord = errors.New("parent has no remote record")

	// ErrRecordMissing is returned when a fetched record is absent from an
	// otherwise successful response.
	ErrRecordMissing = errors.New("record missing from response")

	// ErrNoAsset is returned when a project record carries no payload.
	ErrNoAsset = errors.New("record has no payload")
)

// Config holds the collaborators shared by fetch operations.
type Config struct {
	Store  cloud.Store
	Policy retry.Policy

	// PageSize is the page size of listings. Zero uses the store default.
	PageSize int

	// RecordType is the type of project records.
	RecordType string

	// Chain decodes project payloads.
	Chain archive.Chain

	// Model finalizes decoded projects.
	Model archive.Model

	// Sink receives user-facing failures tagged with node names.
	Sink *logging.Sink

	Logger *log.Logger
}

// DefaultConfig returns a Config for store with the production defaults.
func DefaultConfig(store cloud.Store) Config {
	return Config{
		Store:      store,
		Policy:     retry.DefaultPolicy(),
		RecordType: cloud.TypeProjectNode,
		Chain:      archive.DefaultChain(),
		Model:      archive.DefaultModel{},
		Logger:     log.New(os.Stderr, "[fetch] ", log.LstdFlags),
	}
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(io.Discard, "", 0)
}

func (c Config) recordType() string {
	if c.RecordType == "" {
		return cloud.TypeProjectNode
	}
	return c.RecordType
}

func (c Config) chain() archive.Chain {
	if len(c.Chain) == 0 {
		return archive.DefaultChain()
	}
	return c.Chain
}

func (c Config) model() archive.Model {
	if c.Model == nil {
		return archive.DefaultModel{}
	}
	return c.Model
}

// single wraps one remote call in a retried composite.
func single(name string, p retry.Policy, fn operation.RunFunc) *retry.Call {
	return retry.New(name, p, func() *operation.Operation {
		return operation.New(name, fn)
	})
}

// fetchOne fetches one record by id, turning a per-record failure into the
// call's error.
func fetchOne(ctx context.Context, store cloud.Store, id cloud.RecordID, keys []string, progress cloud.ProgressFunc) (*cloud.Record, error) {
	found, failures, err := store.FetchRecords(ctx, []cloud.RecordID{id}, keys, progress)
	if err != nil {
		return nil, err
	}
	if ferr := failures[id]; ferr != nil {
		return nil, ferr
	}
	r, ok := found[id]
	if !ok || r == nil {
		return nil, &cloud.Error{Code: cloud.CodeUnknownItem, RecordID: id, Err: ErrRecordMissing}
	}
	return r, nil
}
