// Package retry classifies remote errors and schedules bounded, delayed
// retries of failed operations.
//
// Every error is mapped to exactly one Class. Only Transient errors are
// retried: the failed operation is never restarted, a Delay and a fresh
// attempt are attached to the enclosing group instead.
package retry

import (
	"context"
	"errors"

	"github.com/iraspa/projectsync/internal/cloud"
	"github.com/iraspa/projectsync/internal/operation"
)

// Class is the handling category of an error.
type Class int

const (
	// Fatal errors are developer or server problems. Never retried.
	Fatal Class = iota
	// Transient errors are expected to resolve after a delay.
	Transient
	// UserActionable errors need the user to act, such as freeing quota or
	// signing in. Never retried.
	UserActionable
	// Consistency errors invalidate local sync state; the caller must
	// perform a full resync.
	Consistency
	// Decode errors mean every payload decode strategy failed for a node.
	Decode
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case UserActionable:
		return "user-actionable"
	case Consistency:
		return "consistency"
	case Decode:
		return "decode"
	default:
		return "fatal"
	}
}

// decodeFailure is implemented by errors reporting that no decode strategy
// could read a payload.
type decodeFailure interface {
	DecodeFailed() bool
}

// Classify maps err to its class. Unrecognised errors are Fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	var df decodeFailure
	if errors.As(err, &df) && df.DecodeFailed() {
		return Decode
	}

	if code, ok := cloud.CodeOf(err); ok {
		return classifyCode(code)
	}

	if errors.Is(err, operation.ErrCancelled) || errors.Is(err, context.Canceled) {
		return UserActionable
	}
	return Fatal
}

func classifyCode(code cloud.Code) Class {
	switch code {
	case cloud.CodeZoneBusy,
		cloud.CodeRequestRateLimited,
		cloud.CodeServiceUnavailable,
		cloud.CodeNetworkFailure,
		cloud.CodeNetworkUnavailable,
		cloud.CodeResultsTruncated:
		return Transient

	case cloud.CodeQuotaExceeded,
		cloud.CodeOperationCancelled,
		cloud.CodeNotAuthenticated:
		return UserActionable

	case cloud.CodeZoneNotFound,
		cloud.CodeUserDeletedZone,
		cloud.CodeChangeTokenExpired:
		return Consistency

	default:
		// badDatabase, internalError, badContainer, missingEntitlement,
		// constraintViolation, incompatibleVersion, asset errors,
		// invalidArguments, permissionFailure, serverRejectedRequest,
		// unknownItem, limitExceeded, partialFailure, serverRecordChanged,
		// batchRequestFailed and anything new.
		return Fatal
	}
}

// IsTransient reports whether err should be retried after a delay.
func IsTransient(err error) bool { return err != nil && Classify(err) == Transient }

// IsFatal reports whether err is a non-retryable developer or server error.
func IsFatal(err error) bool { return err != nil && Classify(err) == Fatal }

// IsUserActionable reports whether err needs user intervention.
func IsUserActionable(err error) bool { return err != nil && Classify(err) == UserActionable }

// IsConsistency reports whether err requires a full resync.
func IsConsistency(err error) bool { return err != nil && Classify(err) == Consistency }
