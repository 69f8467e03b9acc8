package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Linking
	ErrCodeIssuanceFailed   ErrorCode = "ISSUANCE_FAILED"
	ErrCodeIssuanceRejected ErrorCode = "ISSUANCE_REJECTED"
	ErrCodeTransientPoll    ErrorCode = "TRANSIENT_POLL_ERROR"
	ErrCodeFatalPoll        ErrorCode = "FATAL_POLL_ERROR"
	ErrCodeLinkTimeout      ErrorCode = "LINK_TIMEOUT"
	ErrCodeInvalidCode      ErrorCode = "INVALID_CODE"
	ErrCodeNoActiveSession  ErrorCode = "NO_ACTIVE_SESSION"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Linking error constructors

func IssuanceFailed(cause error) *AppError {
	return Wrap(ErrCodeIssuanceFailed, "Link code issuance failed", cause)
}

func IssuanceRejected(reason string) *AppError {
	return New(ErrCodeIssuanceRejected, fmt.Sprintf("Link code request rejected: %s", reason))
}

func TransientPoll(cause error) *AppError {
	return Wrap(ErrCodeTransientPoll, "Link status check failed", cause)
}

func FatalPoll(reason string) *AppError {
	return New(ErrCodeFatalPoll, fmt.Sprintf("Link code is no longer valid: %s", reason))
}

func LinkTimeout() *AppError {
	return New(ErrCodeLinkTimeout, "Timed out waiting for the account to be linked")
}

func InvalidCode() *AppError {
	return New(ErrCodeInvalidCode, "Link code is empty")
}

func NoActiveSession() *AppError {
	return New(ErrCodeNoActiveSession, "No link session to act on")
}

func RetryExhausted() *AppError {
	return New(ErrCodeRetryExhausted, "Retry budget exhausted")
}

// Common error constructors

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
