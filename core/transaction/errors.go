package transaction

import (
	"errors"
	"fmt"
)

// Code classifies the failures the manager reports at its public boundary.
type Code int

const (
	CodeNotFound Code = iota + 1
	CodeLocked
	CodeDisallowedOperation
	CodeFollowerCommitAlreadyPerformed
	CodeShuttingDown
	CodePermissionDenied
	CodeAlreadyExists
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not found"
	case CodeLocked:
		return "locked"
	case CodeDisallowedOperation:
		return "disallowed operation"
	case CodeFollowerCommitAlreadyPerformed:
		return "follower transaction already performed intermediate commit"
	case CodeShuttingDown:
		return "shutting down"
	case CodePermissionDenied:
		return "permission denied"
	case CodeAlreadyExists:
		return "already exists"
	case CodeInternal:
		return "internal error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a manager failure. FinalStatus is set when the failure is caused
// by the transaction having already ended.
type Error struct {
	Code        Code
	ID          ID
	FinalStatus Status
	Msg         string
}

func (e *Error) Error() string {
	if e.ID.IsSet() {
		return fmt.Sprintf("transaction %s: %s", e.ID, e.Msg)
	}
	return e.Msg
}

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound                       = &Error{Code: CodeNotFound, Msg: "transaction not found"}
	ErrLocked                         = &Error{Code: CodeLocked, Msg: "transaction is in use"}
	ErrDisallowedOperation            = &Error{Code: CodeDisallowedOperation, Msg: "operation not allowed"}
	ErrFollowerCommitAlreadyPerformed = &Error{Code: CodeFollowerCommitAlreadyPerformed, Msg: "follower transaction already performed an intermediate commit"}
	ErrShuttingDown                   = &Error{Code: CodeShuttingDown, Msg: "transaction manager is shutting down"}
	ErrPermissionDenied               = &Error{Code: CodePermissionDenied, Msg: "permission denied"}
	ErrAlreadyExists                  = &Error{Code: CodeAlreadyExists, Msg: "transaction already exists"}
	ErrInternal                       = &Error{Code: CodeInternal, Msg: "internal error"}
)

func newError(code Code, id ID, format string, args ...interface{}) *Error {
	return &Error{Code: code, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// finishedError reports an access to a transaction that already ended.
func finishedError(id ID, status Status, wasExpired bool) *Error {
	msg := fmt.Sprintf("transaction was already %s", status)
	if wasExpired {
		msg = "transaction has expired and was aborted"
	}
	return &Error{Code: CodeDisallowedOperation, ID: id, FinalStatus: status, Msg: msg}
}

// CodeOf returns the manager code carried by err, or 0 for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsLocked reports whether err is a retryable lock conflict.
func IsLocked(err error) bool { return CodeOf(err) == CodeLocked }
