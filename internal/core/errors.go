package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatUsage      ErrorCategory = "usage"      // Wrong command-line usage
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatBootstrap  ErrorCategory = "bootstrap"  // Session bootstrap failed
	ErrCatSignal     ErrorCategory = "signal"     // Fatal signal received
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatState      ErrorCategory = "state"      // Invalid lifecycle state
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// Process exit statuses.
const (
	ExitOK    = 0
	ExitUsage = 1
	// ExitAbort mirrors SIGABRT (128+6) for aborts that are not tied to a signal.
	ExitAbort = 134
	// ExitSignalBase is added to the signal number for trapped signals.
	ExitSignalBase = 128
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrUsage creates a command-line usage error.
func ErrUsage(message string) *DomainError {
	return &DomainError{
		Category: ErrCatUsage,
		Code:     CodeBadArguments,
		Message:  message,
	}
}

// ErrConfigNotFound creates the error returned when the configuration file is missing.
func ErrConfigNotFound(path string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeConfigNotFound,
		Message:  fmt.Sprintf("can not locate configuration file: %s", path),
		Details:  map[string]interface{}{"path": path},
	}
}

// ErrBootstrap wraps a failure raised while bootstrapping the session.
func ErrBootstrap(cause error) *DomainError {
	return &DomainError{
		Category: ErrCatBootstrap,
		Code:     CodeBootstrapFailed,
		Message:  "session bootstrap failed",
		Cause:    cause,
	}
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     "INTERNAL",
		Message:  message,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch GetCategory(err) {
	case ErrCatUsage, ErrCatNotFound:
		return ExitUsage
	case ErrCatBootstrap:
		return ExitAbort
	default:
		return ExitUsage
	}
}

// Predefined error codes
const (
	CodeBadArguments      = "BAD_ARGUMENTS"
	CodeConfigNotFound    = "CONFIG_NOT_FOUND"
	CodeBootstrapFailed   = "BOOTSTRAP_FAILED"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeRunInProgress     = "RUN_IN_PROGRESS"
	CodeDispatcherStopped = "DISPATCHER_STOPPED"
	CodeSessionReleased   = "SESSION_RELEASED"
	CodeAlreadyStarted    = "ALREADY_STARTED"
	CodeJobFailed         = "JOB_FAILED"
)
