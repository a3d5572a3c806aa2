package retry

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
)

// Policy holds the retry parameters shared by every remote operation.
type Policy struct {
	// MaxAttempts is the number of retries allowed per operation.
	MaxAttempts int

	// DefaultDelay is used when the server sends no usable retry hint.
	DefaultDelay time.Duration

	// MaxDelay caps server hints.
	MaxDelay time.Duration

	// Logger receives one line per scheduled retry.
	Logger *log.Logger
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		DefaultDelay: 3 * time.Second,
		MaxDelay:     time.Minute,
	}
}

func (p Policy) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.New(io.Discard, "", 0)
}

// Delay returns how long to wait before retrying after err. The server hint
// is parsed as seconds; a missing, unparsable or negative hint falls back to
// DefaultDelay.
func (p Policy) Delay(err error) time.Duration {
	var hint string
	if ce, ok := asCloudError(err); ok {
		hint = strings.TrimSpace(ce.RetryAfter)
	}

	d := p.DefaultDelay
	if hint != "" {
		if secs, perr := strconv.ParseFloat(hint, 64); perr == nil && secs >= 0 && !math.IsInf(secs, 0) && !math.IsNaN(secs) {
			d = time.Duration(secs * float64(time.Second))
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// State is the retry bookkeeping of one logical operation across all of its
// attempts.
type State struct {
	mu        sync.Mutex
	attempts  int
	lastErr   error
	lastClass Class
}

// Attempts returns the number of retries scheduled so far.
func (s *State) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastError returns the most recently classified error.
func (s *State) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastClass returns the class of LastError.
func (s *State) LastClass() Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClass
}

// Handle classifies err once. For a transient error within the attempt
// budget it adds a Delay and next() to g, with next depending on the delay,
// and returns nil. Otherwise it returns err unmodified.
func (p Policy) Handle(g *operation.Group, st *State, err error, next func() *operation.Operation) error {
	class := Classify(err)

	st.mu.Lock()
	st.lastErr = err
	st.lastClass = class
	if class != Transient || st.attempts >= p.MaxAttempts {
		st.mu.Unlock()
		return err
	}
	st.attempts++
	attempt := st.attempts
	st.mu.Unlock()

	wait := p.Delay(err)
	delay := operation.NewDelay(wait)
	retry := next()
	if derr := retry.AddDependency(delay); derr != nil {
		return fmt.Errorf("failed to schedule retry of %s: %w", g.Name(), derr)
	}
	if aerr := g.AddWeighted(delay, 0); aerr != nil {
		return err
	}
	if aerr := g.AddWeighted(retry, 0); aerr != nil {
		delay.Cancel()
		return err
	}

	p.logger().Printf("%s: retrying in %s (attempt %d/%d): %v", g.Name(), wait, attempt, p.MaxAttempts, err)
	return nil
}

func asCloudError(err error) (*cloud.Error, bool) {
	var ce *cloud.Error
	ok := errors.As(err, &ce)
	return ce, ok
}
