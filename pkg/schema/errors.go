package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeCheckpointConflict = "CHECKPOINT_CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeTransient          = "TRANSIENT_ERROR"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeWorkerFailed       = "WORKER_FAILED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
)

// Sentinels for errors.Is. A *CASError matches the sentinel carrying the same code.
var (
	ErrNotFound           = NewError(ErrCodeNotFound, "not found")
	ErrConflict           = NewError(ErrCodeConflict, "conflict")
	ErrCheckpointConflict = NewError(ErrCodeCheckpointConflict, "checkpoint version already exists")
	ErrCircuitOpen        = NewError(ErrCodeCircuitOpen, "circuit breaker open")
	ErrTransient          = NewError(ErrCodeTransient, "transient infrastructure error")
	ErrCancelled          = NewError(ErrCodeCancelled, "cancelled")
)

// CASError is the structured error type for all core operations.
type CASError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CASError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CASError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *CASError with the same code.
func (e *CASError) Is(target error) bool {
	t, ok := target.(*CASError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the failure is infrastructural and may succeed on retry.
func (e *CASError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransient, ErrCodeTransport, ErrCodeStore, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new CASError.
func NewError(code, message string) *CASError {
	return &CASError{Code: code, Message: message}
}

// NewErrorf creates a new CASError with a formatted message.
func NewErrorf(code, format string, args ...any) *CASError {
	return &CASError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *CASError) WithTask(taskID string) *CASError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *CASError) WithCause(err error) *CASError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CASError) WithDetails(details map[string]any) *CASError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first CASError in err's chain, or "".
func CodeOf(err error) string {
	var ce *CASError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Transient wraps an infrastructure failure so callers can tell it apart from
// worker-logic errors and retry with backoff.
func Transient(code string, err error, format string, args ...any) *CASError {
	return NewErrorf(code, format, args...).WithCause(err)
}
