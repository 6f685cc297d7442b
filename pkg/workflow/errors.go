package workflow

import "fmt"

// Code enumerates the configuration-error kinds build() can raise
// (spec §4.1, §7 "Configuration" error kind).
type Code string

const (
	CodeUnknownState          Code = "UNKNOWN_STATE"
	CodeNoInitialState        Code = "NO_INITIAL_STATE"
	CodeDuplicateInitialState Code = "DUPLICATE_INITIAL_STATE"
	CodeInvalidTimeout        Code = "INVALID_TIMEOUT"
	CodeInvalidTimeoutAction  Code = "INVALID_TIMEOUT_ACTION"
	CodeMissingBranchConfig   Code = "MISSING_BRANCH_CONFIG"
	CodeInvalidParallelConfig Code = "INVALID_PARALLEL_CONFIG"
)

// ValidationError reports a single build()-time configuration failure.
type ValidationError struct {
	Code    Code
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation [%s]: %s", e.Code, e.Message)
}

func newValidationError(code Code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}
