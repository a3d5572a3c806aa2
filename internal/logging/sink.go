package logging

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Level is the severity of a sink entry.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// String returns a human-readable representation of the level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one user-facing message.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Node    string    `json:"node,omitempty"`
	Message string    `json:"message"`
}

// String formats the entry as "level (node) message".
func (e Entry) String() string {
	if e.Node == "" {
		return fmt.Sprintf("%s %s", e.Level, e.Message)
	}
	return fmt.Sprintf("%s (%s) %s", e.Level, e.Node, e.Message)
}

// DefaultSinkCapacity is the number of entries kept by NewSink when given a
// non-positive capacity.
const DefaultSinkCapacity = 256

// Sink keeps the most recent user-facing messages and fans them out to
// subscribers. It is safe for concurrent use.
type Sink struct {
	logger *log.Logger

	mu      sync.Mutex
	entries []Entry
	start   int
	subs    map[int]func(Entry)
	nextSub int
}

// NewSink returns a sink keeping capacity entries. Every entry is also
// written to logger when it is non-nil.
func NewSink(capacity int, logger *log.Logger) *Sink {
	if capacity <= 0 {
		capacity = DefaultSinkCapacity
	}
	return &Sink{
		logger:  logger,
		entries: make([]Entry, 0, capacity),
		subs:    make(map[int]func(Entry)),
	}
}

// Info records an informational message about the named node.
func (s *Sink) Info(node, format string, args ...any) {
	s.add(LevelInfo, node, fmt.Sprintf(format, args...))
}

// Warning records a warning about the named node.
func (s *Sink) Warning(node, format string, args ...any) {
	s.add(LevelWarning, node, fmt.Sprintf(format, args...))
}

// Error records an error about the named node.
func (s *Sink) Error(node, format string, args ...any) {
	s.add(LevelError, node, fmt.Sprintf(format, args...))
}

func (s *Sink) add(level Level, node, msg string) {
	e := Entry{Time: time.Now(), Level: level, Node: node, Message: msg}

	s.mu.Lock()
	if len(s.entries) < cap(s.entries) {
		s.entries = append(s.entries, e)
	} else {
		s.entries[s.start] = e
		s.start = (s.start + 1) % len(s.entries)
	}
	subs := make([]func(Entry), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Print(e.String())
	}
	for _, fn := range subs {
		fn(e)
	}
}

// Entries returns the kept entries, oldest first.
func (s *Sink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	out = append(out, s.entries[s.start:]...)
	return append(out, s.entries[:s.start]...)
}

// Subscribe calls fn for every new entry until the returned function is
// called. fn runs on the goroutine that recorded the entry.
func (s *Sink) Subscribe(fn func(Entry)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
