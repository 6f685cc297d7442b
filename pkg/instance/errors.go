package instance

import "fmt"

// Code enumerates the instance-manager failure kinds spec §4.3 names.
// All are recoverable: the instance is left in the last durably
// committed state.
type Code string

const (
	CodeInstanceNotFound Code = "INSTANCE_NOT_FOUND"
	CodeUnknownWorkflow  Code = "UNKNOWN_WORKFLOW"
	CodeStateNotFound    Code = "STATE_NOT_FOUND"
	CodeExecutionError   Code = "EXECUTION_ERROR"
	CodePersistenceError Code = "PERSISTENCE_ERROR"
	CodeUnauthorized     Code = "UNAUTHORIZED"
)

// Error reports an instance-manager level failure.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("instance [%s]: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("instance [%s]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}
