package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing pipeline errors.
type ErrorCode string

// Error code constants. Stages and adapters MUST use these constants instead
// of hardcoded strings so the invoker can route failures by kind.
const (
	// Configuration: a required setting, config record or schedule record is missing.
	ErrCodeConfigMissing ErrorCode = "config_missing"
	ErrCodeConfigInvalid ErrorCode = "config_invalid"

	// Parse: malformed date/time or payload input.
	ErrCodeParseInvalidInput ErrorCode = "parse_invalid_input"

	// Execution: external query/job outcomes.
	ErrCodeExecutionFailed          ErrorCode = "execution_failed"
	ErrCodeExecutionUnknownState    ErrorCode = "execution_unknown_state"
	ErrCodeExecutionBudgetExhausted ErrorCode = "execution_budget_exhausted"
	ErrCodeExecutionTerminated      ErrorCode = "execution_terminated"

	// Conflict: optimistic concurrency or phase guard rejected a write.
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictPhase      ErrorCode = "conflict_invalid_phase"
	ErrCodeConflictSlotSent   ErrorCode = "conflict_slot_already_sent"

	// Internal/Upstream
	ErrCodeInternalStore       ErrorCode = "internal_store_error"
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamQuery       ErrorCode = "upstream_query_service_unavailable"
	ErrCodeUpstreamJob         ErrorCode = "upstream_job_service_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
)

// Kind is the coarse error taxonomy surfaced to the invoker. Several codes
// collapse onto one kind (e.g. both config codes are a ConfigurationError).
type Kind string

const (
	KindConfiguration   Kind = "ConfigurationError"
	KindParse           Kind = "ParseError"
	KindExecution       Kind = "ExecutionError"
	KindUnknownState    Kind = "UnknownStateError"
	KindBudgetExhausted Kind = "BudgetExhaustedError"
	KindConflict        Kind = "ConflictError"
	KindInternal        Kind = "InternalError"
)

// Kind maps an ErrorCode to its taxonomy kind. Unrecognized codes are
// reported as KindInternal.
func (c ErrorCode) Kind() Kind {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "config_"):
		return KindConfiguration
	case strings.HasPrefix(s, "parse_"):
		return KindParse
	case c == ErrCodeExecutionFailed:
		return KindExecution
	case c == ErrCodeExecutionUnknownState, c == ErrCodeExecutionTerminated:
		return KindUnknownState
	case c == ErrCodeExecutionBudgetExhausted:
		return KindBudgetExhausted
	case strings.HasPrefix(s, "conflict_"):
		return KindConflict
	default:
		return KindInternal
	}
}

// AppError is the standard error type used throughout the pipeline.
// All domain and adapter errors should be expressed as AppError so the
// Lambda result carries a consistent, classifiable failure.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Kind returns the taxonomy kind of this error.
func (e *AppError) Kind() Kind {
	return e.Code.Kind()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from the first AppError in err's chain.
// Returns ErrCodeInternalUnexpected for errors that carry no code,
// and the empty code for a nil error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// KindOf is shorthand for CodeOf(err).Kind(). A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return CodeOf(err).Kind()
}
