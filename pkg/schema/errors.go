package schema

import "fmt"

// Error codes for structured error reporting.
const (
	// Spec validation, always fatal before any execution begins.
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodeUnknownReference = "UNKNOWN_REFERENCE"
	ErrCodeUnknownTransform = "UNKNOWN_TRANSFORM"

	// Step-local failures.
	ErrCodeTransform       = "TRANSFORM_ERROR"
	ErrCodeLookupNotFound  = "LOOKUP_NOT_FOUND"
	ErrCodeLookupAmbiguous = "LOOKUP_AMBIGUOUS"
	ErrCodeMissingOutput   = "MISSING_OUTPUT"

	// Dependent-step failures.
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"

	// Adapter failures.
	ErrCodeAdapterTransient = "ADAPTER_TRANSIENT"
	ErrCodeAdapterPermanent = "ADAPTER_PERMANENT"

	// Run control.
	ErrCodeTimeout        = "TIMEOUT_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
)

// Error is the structured error type for all bindrun operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsTransient reports whether the error represents a transient adapter
// condition that a retry policy may attempt again.
func (e *Error) IsTransient() bool {
	return e.Code == ErrCodeAdapterTransient
}
