// Package sqlstore provides a cloud.Store kept in an embedded SQLite file.
//
// The database runs in WAL mode so several psync processes can share one
// file: every save and delete appends a row to the changes table, and each
// Store turns change rows it has not seen yet into notifications for the
// subscriptions stored alongside the records. Changes made through a Store
// are delivered to its own listeners before the write call returns; changes
// made by other processes are picked up by Watch, which follows the
// database files with fsnotify.
//
// Layout:
//   - records: one row per record, fields as tagged JSON
//   - assets: payloads referenced by records
//   - subscriptions: standing notification requests
//   - changes: append-only change log, ordered by seq
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/oklog/ulid/v2"

	"github.com/iraspa/projectsync/internal/cloud"
)

// Config holds configuration for a Store.
type Config struct {
	// Path is the database file.
	Path string

	// UserID is the signed-in user's record id.
	UserID cloud.RecordID

	// Administrator is stored on the user record when it is first created.
	Administrator bool

	// PageSize is used when a query does not set a limit.
	PageSize int

	// Debounce is how long Watch waits after the last file event before
	// reading the change log.
	Debounce time.Duration

	// Logger for store activity.
	Logger *log.Logger
}

// DefaultConfig returns a Config for the database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		UserID:   "_user",
		PageSize: 100,
		Debounce: 100 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[sqlstore] ", log.LstdFlags),
	}
}

type cursorState struct {
	ids    []cloud.RecordID
	offset int
	keys   []string
}

// Store is a cloud.Store backed by SQLite.
type Store struct {
	conn *sql.DB
	cfg  Config

	mu      sync.Mutex
	cursors map[string]*cursorState
	session string

	// pmu serializes change log reads.
	pmu     sync.Mutex
	lastSeq int64

	lmu       sync.Mutex
	listeners map[int]func(cloud.Notification)
	nextID    int

	wmu     sync.Mutex
	watcher *watcher
}

// Open opens or creates the database at cfg.Path.
//
// Only changes appended after Open are delivered as notifications. The
// caller must call Close when done.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	def := DefaultConfig(cfg.Path)
	if cfg.Path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if cfg.UserID == "" {
		cfg.UserID = def.UserID
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:      conn,
		cfg:       cfg,
		cursors:   make(map[string]*cursorState),
		session:   ulid.Make().String(),
		listeners: make(map[int]func(cloud.Notification)),
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to run %q: %w", pragma, err)
		}
	}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.ensureUser(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&s.lastSeq); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to read change log: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		parent TEXT,
		fields TEXT NOT NULL,
		creator TEXT NOT NULL DEFAULT '',
		modified TEXT NOT NULL,
		asset_key TEXT,
		asset_size INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS assets (
		key TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		reasons TEXT NOT NULL,  -- JSON array
		desired_keys TEXT NOT NULL  -- JSON array or null
	);

	CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		reason INTEGER NOT NULL,
		fields TEXT NOT NULL,
		changed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_type_parent ON records(type, parent);
	CREATE INDEX IF NOT EXISTS idx_assets_record ON assets(record_id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) ensureUser(ctx context.Context) error {
	admin := int64(0)
	if s.cfg.Administrator {
		admin = 1
	}
	fields, err := json.Marshal(cloud.Fields{{Key: cloud.KeyAdministrator, Value: admin}})
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO records (id, type, fields, modified) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		string(s.cfg.UserID), cloud.TypeUser, string(fields), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create user record: %w", err)
	}
	return nil
}

// Close stops watching and closes the database. A WAL checkpoint is
// attempted first so the main file holds every change.
func (s *Store) Close() error {
	s.StopWatch()
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.cfg.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.cfg.Path }

// ResetSession invalidates every outstanding cursor.
func (s *Store) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ulid.Make().String()
	s.cursors = make(map[string]*cursorState)
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

// AccountStatus implements cloud.Store. A local database is always
// available.
func (s *Store) AccountStatus(ctx context.Context) (cloud.AccountStatus, error) {
	if err := ctx.Err(); err != nil {
		return cloud.AccountCouldNotDetermine, cancelled(err)
	}
	return cloud.AccountAvailable, nil
}

// RequestDiscoverability implements cloud.Store.
func (s *Store) RequestDiscoverability(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, cancelled(err)
	}
	return true, nil
}

// CurrentUserID implements cloud.Store.
func (s *Store) CurrentUserID(ctx context.Context) (cloud.RecordID, error) {
	if err := ctx.Err(); err != nil {
		return "", cancelled(err)
	}
	return s.cfg.UserID, nil
}

const recordColumns = `id, type, fields, creator, modified, asset_key, asset_size`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*cloud.Record, error) {
	var (
		id, typ, fields, creator, modified string
		assetKey                           sql.NullString
		assetSize                          int64
	)
	if err := row.Scan(&id, &typ, &fields, &creator, &modified, &assetKey, &assetSize); err != nil {
		return nil, err
	}
	r := &cloud.Record{ID: cloud.RecordID(id), Type: typ, Creator: cloud.RecordID(creator)}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("record %s: failed to decode fields: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, modified); err == nil {
		r.Modified = t
	}
	if assetKey.Valid {
		r.Asset = &cloud.AssetRef{Key: assetKey.String, Size: assetSize}
	}
	return r, nil
}

func (s *Store) record(ctx context.Context, q queryer, id cloud.RecordID) (*cloud.Record, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &cloud.Error{Code: cloud.CodeUnknownItem, RecordID: id}
	}
	if err != nil {
		return nil, storeError(err)
	}
	return r, nil
}

// Record returns the stored record.
func (s *Store) Record(ctx context.Context, id cloud.RecordID) (*cloud.Record, error) {
	return s.record(ctx, s.conn, id)
}

// FetchRecords implements cloud.Store.
func (s *Store) FetchRecords(ctx context.Context, ids []cloud.RecordID, keys []string, progress cloud.ProgressFunc) (map[cloud.RecordID]*cloud.Record, map[cloud.RecordID]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, cancelled(err)
	}
	found := make(map[cloud.RecordID]*cloud.Record, len(ids))
	failures := make(map[cloud.RecordID]error)
	for _, id := range ids {
		r, err := s.record(ctx, s.conn, id)
		if err != nil {
			if code, ok := cloud.CodeOf(err); ok && code == cloud.CodeUnknownItem {
				failures[id] = err
				continue
			}
			return nil, nil, err
		}
		r.Fields = r.Fields.Project(keys)
		found[id] = r
		if progress != nil {
			progress(id, 1)
		}
	}
	return found, failures, nil
}

// Query implements cloud.Store. The matching ids are captured when the
// query starts; later pages read the current contents of those records.
func (s *Store) Query(ctx context.Context, req cloud.QueryRequest) (*cloud.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}

	var cur *cursorState
	s.mu.Lock()
	session := s.session
	if req.Cursor != nil {
		if req.Cursor.Session != session {
			s.mu.Unlock()
			return nil, cloud.NewError(cloud.CodeChangeTokenExpired, "cursor from session %s", req.Cursor.Session)
		}
		var ok bool
		cur, ok = s.cursors[req.Cursor.Token]
		if !ok {
			s.mu.Unlock()
			return nil, cloud.NewError(cloud.CodeInvalidArguments, "unknown cursor %s", req.Cursor.Token)
		}
	}
	s.mu.Unlock()

	if cur == nil {
		ids, err := s.match(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		cur = &cursorState{ids: ids, keys: req.Query.DesiredKeys}
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	end := min(cur.offset+limit, len(cur.ids))

	page := &cloud.Page{}
	for _, id := range cur.ids[cur.offset:end] {
		r, err := s.record(ctx, s.conn, id)
		if err != nil {
			if code, ok := cloud.CodeOf(err); ok && code == cloud.CodeUnknownItem {
				continue
			}
			return nil, err
		}
		r.Fields = r.Fields.Project(cur.keys)
		r.Asset = nil
		page.Records = append(page.Records, r)
	}

	if end < len(cur.ids) {
		token := ulid.Make().String()
		s.mu.Lock()
		s.cursors[token] = &cursorState{ids: cur.ids, offset: end, keys: cur.keys}
		s.mu.Unlock()
		page.Cursor = &cloud.Cursor{Token: token, Remaining: len(cur.ids) - end, Session: session}
	}
	return page, nil
}

// match returns the ids of records satisfying q, in query order.
func (s *Store) match(ctx context.Context, q cloud.Query) ([]cloud.RecordID, error) {
	stmt := `SELECT ` + recordColumns + ` FROM records WHERE type = ?`
	args := []any{q.RecordType}
	if q.Parent != nil {
		stmt += ` AND parent = ?`
		args = append(args, string(*q.Parent))
	}
	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()

	var recs []*cloud.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storeError(err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err)
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
	return ids, nil
}

// FetchAsset implements cloud.Store.
func (s *Store) FetchAsset(ctx context.Context, ref cloud.AssetRef, progress func(float64)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	var recordID string
	var data []byte
	err := s.conn.QueryRowContext(ctx, `SELECT record_id, data FROM assets WHERE key = ?`, ref.Key).Scan(&recordID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &cloud.Error{Code: cloud.CodeAssetFileNotFound, Err: fmt.Errorf("asset %s", ref.Key)}
	}
	if err != nil {
		return nil, storeError(err)
	}
	if progress != nil {
		const chunks = 4
		for i := 1; i <= chunks; i++ {
			progress(float64(i) / chunks)
		}
	}
	return data, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SaveRecords implements cloud.Store. Each record is written in its own
// transaction.
func (s *Store) SaveRecords(ctx context.Context, records []*cloud.Record, assets map[cloud.RecordID][]byte) ([]*cloud.Record, map[cloud.RecordID]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, cancelled(err)
	}
	var saved []*cloud.Record
	failures := make(map[cloud.RecordID]error)
	for _, r := range records {
		if r.ID == "" || r.Type == "" {
			failures[r.ID] = &cloud.Error{Code: cloud.CodeInvalidArguments, RecordID: r.ID, Err: errors.New("record needs an id and a type")}
			continue
		}
		data, hasAsset := assets[r.ID]
		c, err := s.saveRecord(ctx, r, data, hasAsset)
		if err != nil {
			failures[r.ID] = err
			continue
		}
		saved = append(saved, c)
	}
	if len(saved) > 0 {
		s.poll(ctx)
	}
	return saved, failures, nil
}

func (s *Store) saveRecord(ctx context.Context, r *cloud.Record, data []byte, hasAsset bool) (*cloud.Record, error) {
	c := r.Clone()
	c.Creator = s.cfg.UserID
	c.Modified = time.Now()
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return nil, &cloud.Error{Code: cloud.CodeInvalidArguments, RecordID: r.ID, Err: err}
	}
	var parent sql.NullString
	if p, ok := c.Parent(); ok {
		parent = sql.NullString{String: string(p), Valid: true}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError(err)
	}
	defer func() { _ = tx.Rollback() }()

	reason := cloud.ReasonCreated
	var oldAsset sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT asset_key FROM records WHERE id = ?`, string(c.ID)).Scan(&oldAsset)
	switch {
	case err == nil:
		reason = cloud.ReasonUpdated
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storeError(err)
	}

	var assetKey sql.NullString
	var assetSize int64
	if hasAsset {
		key := string(c.ID) + "/" + ulid.Make().String()
		if _, err := tx.ExecContext(ctx, `INSERT INTO assets (key, record_id, data) VALUES (?, ?, ?)`, key, string(c.ID), data); err != nil {
			return nil, storeError(err)
		}
		if oldAsset.Valid {
			if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE key = ?`, oldAsset.String); err != nil {
				return nil, storeError(err)
			}
		}
		assetKey = sql.NullString{String: key, Valid: true}
		assetSize = int64(len(data))
		c.Asset = &cloud.AssetRef{Key: key, Size: assetSize}
	} else if c.Asset != nil {
		assetKey = sql.NullString{String: c.Asset.Key, Valid: true}
		assetSize = c.Asset.Size
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, type, parent, fields, creator, modified, asset_key, asset_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			parent = excluded.parent,
			fields = excluded.fields,
			creator = excluded.creator,
			modified = excluded.modified,
			asset_key = excluded.asset_key,
			asset_size = excluded.asset_size`,
		string(c.ID), c.Type, parent, string(fields), string(c.Creator), formatTime(c.Modified), assetKey, assetSize)
	if err != nil {
		return nil, storeError(err)
	}
	if err := appendChange(ctx, tx, c.ID, c.Type, reason, string(fields)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError(err)
	}
	return c, nil
}

// DeleteRecords implements cloud.Store.
func (s *Store) DeleteRecords(ctx context.Context, ids []cloud.RecordID) ([]cloud.RecordID, map[cloud.RecordID]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, cancelled(err)
	}
	var deleted []cloud.RecordID
	failures := make(map[cloud.RecordID]error)
	for _, id := range ids {
		if err := s.deleteRecord(ctx, id); err != nil {
			failures[id] = err
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		s.poll(ctx)
	}
	return deleted, failures, nil
}

func (s *Store) deleteRecord(ctx context.Context, id cloud.RecordID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err)
	}
	defer func() { _ = tx.Rollback() }()

	r, err := s.record(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, string(id)); err != nil {
		return storeError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE record_id = ?`, string(id)); err != nil {
		return storeError(err)
	}
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	if err := appendChange(ctx, tx, id, r.Type, cloud.ReasonDeleted, string(fields)); err != nil {
		return err
	}
	return storeError(tx.Commit())
}

func appendChange(ctx context.Context, tx *sql.Tx, id cloud.RecordID, typ string, reason cloud.Reason, fields string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO changes (record_id, record_type, reason, fields, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(id), typ, int(reason), fields, formatTime(time.Now()))
	return storeError(err)
}

// SaveSubscription implements cloud.Store.
func (s *Store) SaveSubscription(ctx context.Context, sub cloud.Subscription) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if sub.ID == "" {
		return cloud.NewError(cloud.CodeInvalidArguments, "subscription needs an id")
	}
	reasons := make([]int, len(sub.Reasons))
	for i, r := range sub.Reasons {
		reasons[i] = int(r)
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return err
	}
	keysJSON, err := json.Marshal(sub.DesiredKeys)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO subscriptions (id, record_type, reasons, desired_keys) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record_type = excluded.record_type,
			reasons = excluded.reasons,
			desired_keys = excluded.desired_keys`,
		sub.ID, sub.RecordType, string(reasonsJSON), string(keysJSON))
	return storeError(err)
}

// Subscriptions returns every stored subscription.
func (s *Store) Subscriptions(ctx context.Context) ([]cloud.Subscription, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, record_type, reasons, desired_keys FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()

	var subs []cloud.Subscription
	for rows.Next() {
		var id, typ, reasonsJSON, keysJSON string
		if err := rows.Scan(&id, &typ, &reasonsJSON, &keysJSON); err != nil {
			return nil, storeError(err)
		}
		var reasons []int
		if err := json.Unmarshal([]byte(reasonsJSON), &reasons); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", id, err)
		}
		sub := cloud.Subscription{ID: id, RecordType: typ}
		for _, r := range reasons {
			sub.Reasons = append(sub.Reasons, cloud.Reason(r))
		}
		if err := json.Unmarshal([]byte(keysJSON), &sub.DesiredKeys); err != nil {
			return nil, fmt.Errorf("subscription %s: %w", id, err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Count returns the number of stored records of recordType, or of every
// type when recordType is empty.
func (s *Store) Count(ctx context.Context, recordType string) (int, error) {
	var n int
	var err error
	if recordType == "" {
		err = s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	} else {
		err = s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE type = ?`, recordType).Scan(&n)
	}
	return n, storeError(err)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func cancelled(err error) error {
	return &cloud.Error{Code: cloud.CodeOperationCancelled, Err: err}
}

// storeError converts database errors into classified cloud errors. Lock
// contention with another process is reported as a busy zone so callers
// retry it.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelled(err)
	case errors.Is(err, sqlite3.BUSY), errors.Is(err, sqlite3.LOCKED):
		return &cloud.Error{Code: cloud.CodeZoneBusy, Err: err}
	case errors.Is(err, sqlite3.CONSTRAINT):
		return &cloud.Error{Code: cloud.CodeConstraintViolation, Err: err}
	}
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return err
	}
	return &cloud.Error{Code: cloud.CodeInternalError, Err: err}
}

var _ cloud.Store = (*Store)(nil)
