package persistence

import "fmt"

// Code enumerates persistence failure kinds (spec §4.4, §7 "Resource"
// and "Transactional" kinds).
type Code string

const (
	CodeUnavailable      Code = "UNAVAILABLE"       // transient, retryable at call site
	CodeNotFound         Code = "NOT_FOUND"
	CodeAdapterClosed    Code = "ADAPTER_CLOSED"
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeCorrupted        Code = "CORRUPTED" // stored content hash does not match recomputed digest
)

// Error wraps an underlying driver/adapter cause with a classification
// code. The cause is always retained (%w) and never swallowed, per the
// resolved "persistence error cause" open question (SPEC_FULL.md §12).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("persistence [%s]: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("persistence [%s]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}
