package cloud

import (
	"errors"
	"fmt"
)

// Code is a remote service error code.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternalError
	CodePartialFailure
	CodeNetworkUnavailable
	CodeNetworkFailure
	CodeBadContainer
	CodeServiceUnavailable
	CodeRequestRateLimited
	CodeMissingEntitlement
	CodeNotAuthenticated
	CodePermissionFailure
	CodeUnknownItem
	CodeInvalidArguments
	CodeResultsTruncated
	CodeServerRecordChanged
	CodeServerRejectedRequest
	CodeAssetFileNotFound
	CodeAssetFileModified
	CodeIncompatibleVersion
	CodeConstraintViolation
	CodeOperationCancelled
	CodeChangeTokenExpired
	CodeBatchRequestFailed
	CodeZoneBusy
	CodeBadDatabase
	CodeQuotaExceeded
	CodeZoneNotFound
	CodeLimitExceeded
	CodeUserDeletedZone
)

var codeNames = map[Code]string{
	CodeUnknown:               "unknown",
	CodeInternalError:         "internal error",
	CodePartialFailure:        "partial failure",
	CodeNetworkUnavailable:    "network unavailable",
	CodeNetworkFailure:        "network failure",
	CodeBadContainer:          "bad container",
	CodeServiceUnavailable:    "service unavailable",
	CodeRequestRateLimited:    "request rate limited",
	CodeMissingEntitlement:    "missing entitlement",
	CodeNotAuthenticated:      "not authenticated",
	CodePermissionFailure:     "permission failure",
	CodeUnknownItem:           "unknown item",
	CodeInvalidArguments:      "invalid arguments",
	CodeResultsTruncated:      "results truncated",
	CodeServerRecordChanged:   "server record changed",
	CodeServerRejectedRequest: "server rejected request",
	CodeAssetFileNotFound:     "asset file not found",
	CodeAssetFileModified:     "asset file modified",
	CodeIncompatibleVersion:   "incompatible version",
	CodeConstraintViolation:   "constraint violation",
	CodeOperationCancelled:    "operation cancelled",
	CodeChangeTokenExpired:    "change token expired",
	CodeBatchRequestFailed:    "batch request failed",
	CodeZoneBusy:              "zone busy",
	CodeBadDatabase:           "bad database",
	CodeQuotaExceeded:         "quota exceeded",
	CodeZoneNotFound:          "zone not found",
	CodeLimitExceeded:         "limit exceeded",
	CodeUserDeletedZone:       "user deleted zone",
}

// String returns a human-readable representation of the code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ErrUnknownItem is matched by every Error with CodeUnknownItem.
var ErrUnknownItem = errors.New("unknown item")

// Error is an error returned by a Store.
type Error struct {
	Code Code

	// RetryAfter is the server's retry hint in seconds, as sent. It may be
	// empty or unparsable.
	RetryAfter string

	// RecordID is set for per-record failures.
	RecordID RecordID

	Err error
}

// NewError returns an Error with the given code and no retry hint.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.RecordID != "" {
		msg = fmt.Sprintf("%s (record %s)", msg, e.RecordID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.RetryAfter != "" {
		msg = fmt.Sprintf("%s (retry after %ss)", msg, e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels.
func (e *Error) Is(target error) bool {
	return target == ErrUnknownItem && e.Code == CodeUnknownItem
}

// CodeOf extracts the code of a remote error.
func CodeOf(err error) (Code, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return CodeUnknown, false
}
