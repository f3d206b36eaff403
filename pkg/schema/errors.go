package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeActionUnavailable  = "ACTION_UNAVAILABLE"
	ErrCodeInvalidOperation   = "INVALID_OPERATION"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeExpression         = "EXPRESSION_ERROR"
)

// ChainError is the structured error type for all chain operations.
type ChainError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepAlias string         `json:"step_alias,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepAlias != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepAlias, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step alias to the error.
func (e *ChainError) WithStep(alias string) *ChainError {
	e.StepAlias = alias
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}

// IsCode reports whether err is a ChainError carrying the given code.
func IsCode(err error, code string) bool {
	for err != nil {
		if ce, ok := err.(*ChainError); ok {
			if ce.Code == code {
				return true
			}
			err = ce.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
