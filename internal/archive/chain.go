package archive

import (
	"errors"
	"fmt"
	"strings"
)

// Strategy decodes a payload in one format.
type Strategy interface {
	Name() string
	Decode(data []byte) (*Project, error)
}

// StrategyError records why one strategy failed.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e StrategyError) Error() string { return e.Strategy + ": " + e.Err.Error() }

// DecodeError is returned when every strategy of a chain failed.
type DecodeError struct {
	Attempts []StrategyError
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if len(e.Attempts) == 0 {
		return "no decode strategy configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "failed to decode payload: " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-strategy errors to errors.Is and errors.As.
func (e *DecodeError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// DecodeFailed marks the error as a decode failure for classification.
func (e *DecodeError) DecodeFailed() bool { return true }

// Chain tries strategies in order.
type Chain []Strategy

// DefaultChain returns the binary strategy followed by the legacy one.
func DefaultChain() Chain {
	return Chain{Binary{}, Legacy{}}
}

// Decode returns the project decoded by the first strategy that succeeds and
// that strategy's name. If all fail the error is a *DecodeError.
func (c Chain) Decode(data []byte) (*Project, string, error) {
	de := &DecodeError{}
	for _, s := range c {
		p, err := s.Decode(data)
		if err == nil {
			return p, s.Name(), nil
		}
		de.Attempts = append(de.Attempts, StrategyError{Strategy: s.Name(), Err: err})
	}
	return nil, "", de
}

// IsDecodeError reports whether err is a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// String lists the strategy names.
func (c Chain) String() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return fmt.Sprintf("[%s]", strings.Join(names, " "))
}
