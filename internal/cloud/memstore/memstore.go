// Package memstore provides an in-memory cloud.Store with fault injection.
//
// It backs the unit tests of every package above the store boundary and the
// "memory" driver of the CLI. Queries are served from a snapshot taken when
// the query starts, so paging is stable while records are added. Faults can
// fail any call, optionally after delivering part of a query page.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iraspa/projectsync/internal/cloud"
)

// Method names reported in Call.
const (
	MethodAccountStatus    = "AccountStatus"
	MethodDiscoverability  = "RequestDiscoverability"
	MethodCurrentUserID    = "CurrentUserID"
	MethodFetchRecords     = "FetchRecords"
	MethodQuery            = "Query"
	MethodFetchAsset       = "FetchAsset"
	MethodSaveRecords      = "SaveRecords"
	MethodSaveRecord       = "SaveRecords/record"
	MethodDeleteRecords    = "DeleteRecords"
	MethodSaveSubscription = "SaveSubscription"
)

// Call describes one store call for fault injection.
type Call struct {
	Method string
	// N is the 1-based number of this call to Method.
	N int
	// IDs are the record ids involved, when any.
	IDs []cloud.RecordID
	// Query is set for Query calls.
	Query *cloud.QueryRequest
}

// Fault decides whether a call fails. Returning nil lets the call proceed.
type Fault func(Call) error

// PartialError makes a Query call deliver the first Deliver records of the
// page, with a cursor after them, before failing with Err.
type PartialError struct {
	Deliver int
	Err     error
}

func (e *PartialError) Error() string { return e.Err.Error() }
func (e *PartialError) Unwrap() error { return e.Err }

// Config holds configuration for a Store.
type Config struct {
	// PageSize is used when a query does not set a limit.
	PageSize int
	// UserID is the signed-in user's record id.
	UserID cloud.RecordID
	// Administrator is stored on the user record.
	Administrator bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize: 100,
		UserID:   "_user",
	}
}

type cursorState struct {
	ids    []cloud.RecordID
	offset int
	keys   []string
}

// Store is an in-memory cloud.Store.
type Store struct {
	mu           sync.Mutex
	cfg          Config
	records      map[cloud.RecordID]*cloud.Record
	assets       map[string][]byte
	subs         map[string]cloud.Subscription
	cursors      map[string]*cursorState
	session      string
	account      cloud.AccountStatus
	discoverable bool
	faults       []Fault
	calls        map[string]int

	lmu       sync.Mutex
	listeners map[int]func(cloud.Notification)
	nextID    int
}

// New creates an empty store with the given configuration.
func New(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.UserID == "" {
		cfg.UserID = def.UserID
	}
	s := &Store{
		cfg:          cfg,
		records:      make(map[cloud.RecordID]*cloud.Record),
		assets:       make(map[string][]byte),
		subs:         make(map[string]cloud.Subscription),
		cursors:      make(map[string]*cursorState),
		session:      ulid.Make().String(),
		account:      cloud.AccountAvailable,
		discoverable: true,
		calls:        make(map[string]int),
		listeners:    make(map[int]func(cloud.Notification)),
	}
	admin := int64(0)
	if cfg.Administrator {
		admin = 1
	}
	s.records[cfg.UserID] = &cloud.Record{
		ID:     cfg.UserID,
		Type:   cloud.TypeUser,
		Fields: cloud.Fields{{Key: cloud.KeyAdministrator, Value: admin}},
	}
	return s
}

// Inject adds a fault consulted on every call.
func (s *Store) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// ClearFaults removes every injected fault.
func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Calls returns how many times method was called.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// SetAccountStatus sets the status AccountStatus reports.
func (s *Store) SetAccountStatus(st cloud.AccountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = st
}

// ResetSession invalidates every outstanding cursor.
func (s *Store) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ulid.Make().String()
	s.cursors = make(map[string]*cursorState)
}

// Put stores records without emitting notifications.
func (s *Store) Put(records ...*cloud.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		c := r.Clone()
		if c.Modified.IsZero() {
			c.Modified = time.Now()
		}
		s.records[c.ID] = c
	}
}

// PutAsset attaches data as the asset of record id.
func (s *Store) PutAsset(id cloud.RecordID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("put asset: %w", &cloud.Error{Code: cloud.CodeUnknownItem, RecordID: id})
	}
	key := string(id) + "/" + ulid.Make().String()
	s.assets[key] = append([]byte(nil), data...)
	r.Asset = &cloud.AssetRef{Key: key, Size: int64(len(data))}
	return nil
}

// Record returns a copy of the stored record.
func (s *Store) Record(id cloud.RecordID) (*cloud.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r.Clone(), ok
}

// Len returns the number of stored records, the user record included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Subscription returns the subscription with the given id.
func (s *Store) Subscription(id string) (cloud.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	return sub, ok
}

// Notify delivers n to every listener, as if pushed by the server.
func (s *Store) Notify(n cloud.Notification) {
	if n.ID == "" {
		n.ID = ulid.Make().String()
	}
	if n.Received.IsZero() {
		n.Received = time.Now()
	}
	s.lmu.Lock()
	fns := make([]func(cloud.Notification), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Listen implements cloud.Store.
func (s *Store) Listen(fn func(cloud.Notification)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

// Listeners returns the number of registered listeners.
func (s *Store) Listeners() int {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return len(s.listeners)
}

// begin records a call and consults the faults. Callers hold s.mu.
func (s *Store) begin(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return &cloud.Error{Code: cloud.CodeOperationCancelled, Err: err}
	}
	s.calls[c.Method]++
	c.N = s.calls[c.Method]
	for _, f := range s.faults {
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}

// AccountStatus implements cloud.Store.
func (s *Store) AccountStatus(ctx context.Context) (cloud.AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Call{Method: MethodAccountStatus}); err != nil {
		return cloud.AccountCouldNotDetermine, err
	}
	return s.account, nil
}

// RequestDiscoverability implements cloud.Store.
func (s *Store) RequestDiscoverability(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Call{Method: MethodDiscoverability}); err != nil {
		return false, err
	}
	return s.discoverable, nil
}

// CurrentUserID implements cloud.Store.
func (s *Store) CurrentUserID(ctx context.Context) (cloud.RecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Call{Method: MethodCurrentUserID}); err != nil {
		return "", err
	}
	if s.account != cloud.AccountAvailable {
		return "", cloud.NewError(cloud.CodeNotAuthenticated, "account %s", s.account)
	}
	return s.cfg.UserID, nil
}

// FetchRecords implements cloud.Store.
func (s *Store) FetchRecords(ctx context.Context, ids []cloud.RecordID, keys []string, progress cloud.ProgressFunc) (map[cloud.RecordID]*cloud.Record, map[cloud.RecordID]error, error) {
	s.mu.Lock()
	if err := s.begin(ctx, Call{Method: MethodFetchRecords, IDs: ids}); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	found := make(map[cloud.RecordID]*cloud.Record, len(ids))
	failures := make(map[cloud.RecordID]error)
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			failures[id] = &cloud.Error{Code: cloud.CodeUnknownItem, RecordID: id}
			continue
		}
		c := r.Clone()
		c.Fields = r.Fields.Project(keys)
		found[id] = c
	}
	s.mu.Unlock()

	if progress != nil {
		for id := range found {
			progress(id, 1)
		}
	}
	return found, failures, nil
}

// Query implements cloud.Store.
func (s *Store) Query(ctx context.Context, req cloud.QueryRequest) (*cloud.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fault := s.begin(ctx, Call{Method: MethodQuery, Query: &req})
	var partial *PartialError
	if fault != nil && !errors.As(fault, &partial) {
		return nil, fault
	}

	var cur *cursorState
	if req.Cursor != nil {
		if req.Cursor.Session != s.session {
			return nil, cloud.NewError(cloud.CodeChangeTokenExpired, "cursor from session %s", req.Cursor.Session)
		}
		var ok bool
		cur, ok = s.cursors[req.Cursor.Token]
		if !ok {
			return nil, cloud.NewError(cloud.CodeInvalidArguments, "unknown cursor %s", req.Cursor.Token)
		}
	} else {
		cur = &cursorState{ids: s.match(req.Query), keys: req.Query.DesiredKeys}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	end := cur.offset + limit
	if end > len(cur.ids) {
		end = len(cur.ids)
	}
	if partial != nil && cur.offset+partial.Deliver < end {
		end = cur.offset + partial.Deliver
	}

	page := &cloud.Page{}
	for _, id := range cur.ids[cur.offset:end] {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		c := r.Clone()
		c.Fields = r.Fields.Project(cur.keys)
		c.Asset = nil
		page.Records = append(page.Records, c)
	}

	if end < len(cur.ids) {
		token := ulid.Make().String()
		s.cursors[token] = &cursorState{ids: cur.ids, offset: end, keys: cur.keys}
		page.Cursor = &cloud.Cursor{Token: token, Remaining: len(cur.ids) - end, Session: s.session}
	}

	if partial != nil {
		return page, partial.Err
	}
	return page, nil
}

// match returns the ids of records satisfying q, in query order.
func (s *Store) match(q cloud.Query) []cloud.RecordID {
	var recs []*cloud.Record
	for _, r := range s.records {
		if r.Type != q.RecordType {
			continue
		}
		if q.Parent != nil {
			p, ok := r.Parent()
			if !ok || p != *q.Parent {
				continue
			}
		}
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if q.SortKey != "" {
			ka, kb := a.Fields.String(q.SortKey), b.Fields.String(q.SortKey)
			if ka != kb {
				if q.Descending {
					return ka > kb
				}
				return ka < kb
			}
		}
		return a.ID < b.ID
	})
	ids := make([]cloud.RecordID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

// FetchAsset implements cloud.Store.
func (s *Store) FetchAsset(ctx context.Context, ref cloud.AssetRef, progress func(float64)) ([]byte, error) {
	s.mu.Lock()
	id := cloud.RecordID(strings.SplitN(ref.Key, "/", 2)[0])
	if err := s.begin(ctx, Call{Method: MethodFetchAsset, IDs: []cloud.RecordID{id}}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	data, ok := s.assets[ref.Key]
	s.mu.Unlock()

	if !ok {
		return nil, &cloud.Error{Code: cloud.CodeAssetFileNotFound, RecordID: id, Err: fmt.Errorf("asset %s", ref.Key)}
	}
	if progress != nil {
		const chunks = 4
		for i := 1; i <= chunks; i++ {
			progress(float64(i) / chunks)
		}
	}
	return append([]byte(nil), data...), nil
}

// SaveRecords implements cloud.Store.
func (s *Store) SaveRecords(ctx context.Context, records []*cloud.Record, assets map[cloud.RecordID][]byte) ([]*cloud.Record, map[cloud.RecordID]error, error) {
	ids := make([]cloud.RecordID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	s.mu.Lock()
	if err := s.begin(ctx, Call{Method: MethodSaveRecords, IDs: ids}); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	var saved []*cloud.Record
	var notes []cloud.Notification
	failures := make(map[cloud.RecordID]error)
	for _, r := range records {
		if err := s.perRecordFault(ctx, r.ID); err != nil {
			failures[r.ID] = err
			continue
		}
		if r.ID == "" || r.Type == "" {
			failures[r.ID] = &cloud.Error{Code: cloud.CodeInvalidArguments, RecordID: r.ID, Err: errors.New("record needs an id and a type")}
			continue
		}
		_, existed := s.records[r.ID]
		c := r.Clone()
		c.Creator = s.cfg.UserID
		c.Modified = time.Now()
		if data, ok := assets[r.ID]; ok {
			key := string(r.ID) + "/" + ulid.Make().String()
			s.assets[key] = append([]byte(nil), data...)
			c.Asset = &cloud.AssetRef{Key: key, Size: int64(len(data))}
		}
		s.records[c.ID] = c
		saved = append(saved, c.Clone())

		reason := cloud.ReasonCreated
		if existed {
			reason = cloud.ReasonUpdated
		}
		notes = append(notes, s.notificationsFor(c, reason)...)
	}
	s.mu.Unlock()

	for _, n := range notes {
		s.Notify(n)
	}
	return saved, failures, nil
}

// perRecordFault consults faults with a per-record SaveRecords call.
func (s *Store) perRecordFault(ctx context.Context, id cloud.RecordID) error {
	return s.begin(ctx, Call{Method: MethodSaveRecord, IDs: []cloud.RecordID{id}})
}

// DeleteRecords implements cloud.Store.
func (s *Store) DeleteRecords(ctx context.Context, ids []cloud.RecordID) ([]cloud.RecordID, map[cloud.RecordID]error, error) {
	s.mu.Lock()
	if err := s.begin(ctx, Call{Method: MethodDeleteRecords, IDs: ids}); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	var deleted []cloud.RecordID
	var notes []cloud.Notification
	failures := make(map[cloud.RecordID]error)
	for _, id := range ids {
		r, ok := s.records[id]
		if !ok {
			failures[id] = &cloud.Error{Code: cloud.CodeUnknownItem, RecordID: id}
			continue
		}
		delete(s.records, id)
		if r.Asset != nil {
			delete(s.assets, r.Asset.Key)
		}
		deleted = append(deleted, id)
		notes = append(notes, s.notificationsFor(r, cloud.ReasonDeleted)...)
	}
	s.mu.Unlock()

	for _, n := range notes {
		s.Notify(n)
	}
	return deleted, failures, nil
}

// SaveSubscription implements cloud.Store.
func (s *Store) SaveSubscription(ctx context.Context, sub cloud.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, Call{Method: MethodSaveSubscription}); err != nil {
		return err
	}
	if sub.ID == "" {
		return cloud.NewError(cloud.CodeInvalidArguments, "subscription needs an id")
	}
	s.subs[sub.ID] = sub
	return nil
}

// notificationsFor builds the notifications r triggers. Callers hold s.mu.
func (s *Store) notificationsFor(r *cloud.Record, reason cloud.Reason) []cloud.Notification {
	var out []cloud.Notification
	for _, sub := range s.subs {
		if sub.RecordType != r.Type || !wants(sub, reason) {
			continue
		}
		out = append(out, cloud.Notification{
			ID:             ulid.Make().String(),
			SubscriptionID: sub.ID,
			Reason:         reason,
			RecordID:       r.ID,
			Fields:         r.Fields.Project(sub.DesiredKeys),
			Received:       time.Now(),
		})
	}
	return out
}

func wants(sub cloud.Subscription, reason cloud.Reason) bool {
	if len(sub.Reasons) == 0 {
		return true
	}
	for _, r := range sub.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

var _ cloud.Store = (*Store)(nil)
