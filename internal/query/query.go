// Package query implements cursor-driven enumeration of remote query results.
//
// A Paginated query is a group whose children are page operations. Each page
// delivers its records through OnRecord as soon as it arrives and, when the
// store returns a cursor, attaches the operation for the next page. A
// transient failure resumes from the most recent cursor, so records already
// delivered are never delivered again. A consistency failure discards the
// cursor and ends the query; the caller must start over.
package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
	"github.com/iraspa/projectsync/internal/retry"
)

// Config holds configuration for a Paginated query.
type Config struct {
	Store cloud.Store
	Query cloud.Query

	// PageSize is the requested page size. Zero uses the store default.
	PageSize int

	// Resume continues a previous query from its cursor.
	Resume *cloud.Cursor

	Policy retry.Policy

	// OnRecord receives every record, in server order, as pages arrive.
	// Calls are never concurrent.
	OnRecord func(*cloud.Record)
}

// Paginated enumerates all pages of a query.
type Paginated struct {
	*operation.Group

	cfg   Config
	state retry.State

	mu          sync.Mutex
	cursor      *cloud.Cursor
	count       int
	pages       int
	exhausted   bool
	invalidated bool
}

// New creates a paginated query operation.
func New(name string, cfg Config) *Paginated {
	p := &Paginated{
		Group:  operation.NewGroup(name, 1),
		cfg:    cfg,
		cursor: cfg.Resume,
	}
	p.OnChildError(p.handleError)
	_ = p.Add(p.page(cfg.Resume))
	return p
}

// Cursor returns the continuation cursor: nil once the query is exhausted
// or invalidated, otherwise the last cursor obtained.
func (p *Paginated) Cursor() *cloud.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhausted || p.invalidated {
		return nil
	}
	return p.cursor
}

// Exhausted reports whether every page was delivered.
func (p *Paginated) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Count returns the number of records delivered.
func (p *Paginated) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Pages returns the number of pages received, partial pages included.
func (p *Paginated) Pages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}

// RetryState returns the retry bookkeeping of the query.
func (p *Paginated) RetryState() *retry.State { return &p.state }

func (p *Paginated) page(cursor *cloud.Cursor) *operation.Operation {
	name := fmt.Sprintf("%s: first page", p.Name())
	if cursor != nil {
		name = fmt.Sprintf("%s: page after %s", p.Name(), cursor.Token)
	}
	return operation.New(name, func(ctx context.Context, op *operation.Operation) error {
		page, err := p.cfg.Store.Query(ctx, cloud.QueryRequest{
			Query:  p.cfg.Query,
			Cursor: cursor,
			Limit:  p.cfg.PageSize,
		})
		if page == nil && err == nil {
			page = &cloud.Page{}
		}
		if page != nil {
			p.deliver(page, err == nil)
		}
		if err != nil {
			return err
		}
		if page.Cursor == nil {
			return nil
		}
		return p.Add(p.page(page.Cursor))
	})
}

func (p *Paginated) deliver(page *cloud.Page, complete bool) {
	p.mu.Lock()
	p.pages++
	p.count += len(page.Records)
	switch {
	case page.Cursor != nil:
		p.cursor = page.Cursor
	case complete || len(page.Records) > 0:
		p.exhausted = true
	}
	p.mu.Unlock()

	if p.cfg.OnRecord != nil {
		for _, r := range page.Records {
			p.cfg.OnRecord(r)
		}
	}
}

func (p *Paginated) handleError(_ *operation.Operation, err error) error {
	if retry.IsConsistency(err) {
		p.mu.Lock()
		p.cursor = nil
		p.invalidated = true
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	done := p.exhausted
	resume := p.cursor
	p.mu.Unlock()

	if done && retry.IsTransient(err) {
		// The failing call already delivered the last page.
		return nil
	}
	return p.cfg.Policy.Handle(p.Group, &p.state, err, func() *operation.Operation {
		return p.page(resume)
	})
}
