package badge

import (
	"errors"
	"fmt"
)

// Error codes for badge model and lifecycle errors.
// These are machine-readable codes surfaced to callers, not HTTP status codes.
const (
	// ErrCodeUnsupportedVersion indicates a version token outside the closed set.
	ErrCodeUnsupportedVersion = "UNSUPPORTED_VERSION"

	// ErrCodeInvalid indicates an entity violates a model invariant.
	ErrCodeInvalid = "INVALID_ENTITY"

	// ErrCodeCriteriaConflict indicates both criteria URL and criteria text were set.
	ErrCodeCriteriaConflict = "CRITERIA_CONFLICT"

	// ErrCodeAlreadyRevoked indicates a second revocation of the same assertion.
	ErrCodeAlreadyRevoked = "ALREADY_REVOKED"

	// ErrCodeInvalidTransition indicates a lifecycle transition not allowed from the current state.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	// ErrCodeReasonRequired indicates a revocation without a reason.
	ErrCodeReasonRequired = "REVOCATION_REASON_REQUIRED"

	// ErrCodeNotFound indicates the entity does not exist.
	ErrCodeNotFound = "NOT_FOUND"
)

// Error represents a badge model error with a machine-readable code.
type Error struct {
	// Code is one of the ErrCode* constants.
	Code string

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError creates a new Error that wraps an underlying error.
func WrapError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinels for errors.Is checks.
var (
	ErrUnsupportedVersion = NewError(ErrCodeUnsupportedVersion, "unsupported OBI version")
	ErrInvalid            = NewError(ErrCodeInvalid, "entity is invalid")
	ErrCriteriaConflict   = NewError(ErrCodeCriteriaConflict, "criteria URL and criteria text are mutually exclusive")
	ErrAlreadyRevoked     = NewError(ErrCodeAlreadyRevoked, "assertion is already revoked")
	ErrInvalidTransition  = NewError(ErrCodeInvalidTransition, "transition not allowed")
	ErrReasonRequired     = NewError(ErrCodeReasonRequired, "a revocation reason is required")
	ErrNotFound           = NewError(ErrCodeNotFound, "not found")
)

// AsError checks if err is an Error and returns it if so.
func AsError(err error) (*Error, bool) {
	var badgeErr *Error
	if errors.As(err, &badgeErr) {
		return badgeErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an Error, or returns empty string.
func GetErrorCode(err error) string {
	if badgeErr, ok := AsError(err); ok {
		return badgeErr.Code
	}
	return ""
}
