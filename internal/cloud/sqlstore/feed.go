package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/iraspa/projectsync/internal/cloud"
)

type change struct {
	seq      int64
	recordID cloud.RecordID
	typ      string
	reason   cloud.Reason
	fields   cloud.Fields
	at       time.Time
}

// Poll reads the change log past the last change this Store delivered and
// notifies listeners of every match. It returns the number of notifications
// delivered.
func (s *Store) Poll(ctx context.Context) (int, error) {
	notes, err := s.collect(ctx)
	if err != nil {
		return 0, err
	}
	s.deliver(notes)
	return len(notes), nil
}

func (s *Store) poll(ctx context.Context) {
	if _, err := s.Poll(ctx); err != nil {
		s.cfg.Logger.Printf("Error reading change log: %v", err)
	}
}

// collect turns unseen changes into notifications and advances lastSeq.
func (s *Store) collect(ctx context.Context) ([]cloud.Notification, error) {
	s.pmu.Lock()
	defer s.pmu.Unlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT seq, record_id, record_type, reason, fields, changed_at
		FROM changes WHERE seq > ? ORDER BY seq`, s.lastSeq)
	if err != nil {
		return nil, storeError(err)
	}
	var changes []change
	for rows.Next() {
		var c change
		var id, fields, at string
		var reason int
		if err := rows.Scan(&c.seq, &id, &c.typ, &reason, &fields, &at); err != nil {
			rows.Close()
			return nil, storeError(err)
		}
		c.recordID = cloud.RecordID(id)
		c.reason = cloud.Reason(reason)
		if err := json.Unmarshal([]byte(fields), &c.fields); err != nil {
			rows.Close()
			return nil, fmt.Errorf("change %d: failed to decode fields: %w", c.seq, err)
		}
		c.at, _ = time.Parse(time.RFC3339Nano, at)
		changes = append(changes, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeError(err)
	}
	if len(changes) == 0 {
		return nil, nil
	}

	subs, err := s.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var notes []cloud.Notification
	for _, c := range changes {
		for _, sub := range subs {
			if sub.RecordType != c.typ || !wants(sub, c.reason) {
				continue
			}
			notes = append(notes, cloud.Notification{
				ID:             ulid.Make().String(),
				SubscriptionID: sub.ID,
				Reason:         c.reason,
				RecordID:       c.recordID,
				Fields:         c.fields.Project(sub.DesiredKeys),
				Received:       time.Now(),
			})
		}
	}
	s.lastSeq = changes[len(changes)-1].seq
	return notes, nil
}

func (s *Store) deliver(notes []cloud.Notification) {
	if len(notes) == 0 {
		return
	}
	s.lmu.Lock()
	fns := make([]func(cloud.Notification), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, n := range notes {
		for _, fn := range fns {
			fn(n)
		}
	}
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

// watcher follows the database files and polls the change log once writes
// have settled.
type watcher struct {
	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queued  bool
	queueAt time.Time
}

// Watch starts following the database files for writes made by other
// processes. Each burst of writes triggers one Poll after the debounce
// interval. Watch returns an error if it is already running.
func (s *Store) Watch(ctx context.Context) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("watcher already running")
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(s.cfg.Path)
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{fs: fs, cancel: cancel}
	s.watcher = w
	s.cfg.Logger.Printf("Watching: %s", s.cfg.Path)

	w.wg.Add(2)
	go s.watchFileEvents(ctx, w)
	go s.processQueue(ctx, w)
	return nil
}

// StopWatch stops a running Watch and waits for it to exit.
func (s *Store) StopWatch() {
	s.wmu.Lock()
	w := s.watcher
	s.watcher = nil
	s.wmu.Unlock()
	if w == nil {
		return
	}
	w.cancel()
	if err := w.fs.Close(); err != nil {
		s.cfg.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
}

// Watching reports whether Watch is running.
func (s *Store) Watching() bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.watcher != nil
}

// watchFileEvents queues a poll for writes to the database or its WAL.
func (s *Store) watchFileEvents(ctx context.Context, w *watcher) {
	defer w.wg.Done()
	base := filepath.Base(s.cfg.Path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			w.mu.Lock()
			w.queued = true
			w.queueAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			s.cfg.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processQueue polls once no write has been seen for the debounce interval.
func (s *Store) processQueue(ctx context.Context, w *watcher) {
	defer w.wg.Done()

	ticker := time.NewTicker(s.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			ready := w.queued && time.Since(w.queueAt) >= s.cfg.Debounce
			if ready {
				w.queued = false
			}
			w.mu.Unlock()
			if ready {
				s.poll(ctx)
			}
		}
	}
}
