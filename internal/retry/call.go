package retry

import (
	"github.com/iraspa/projectsync/internal/operation"
)

// Call runs attempts of one logical remote call. The first attempt carries
// the progress weight; retries and their delays are added with zero weight.
type Call struct {
	*operation.Group
	state State
}

// New returns a group running attempt() once and scheduling fresh attempts
// for transient failures according to p.
func New(name string, p Policy, attempt func() *operation.Operation) *Call {
	c := &Call{Group: operation.NewGroup(name, 1)}
	c.OnChildError(func(_ *operation.Operation, err error) error {
		return p.Handle(c.Group, &c.state, err, attempt)
	})
	// The group has not started, so Add cannot fail.
	_ = c.Add(attempt())
	return c
}

// State returns the retry bookkeeping.
func (c *Call) State() *State { return &c.state }
