package branches

import (
	"errors"
	"fmt"
)

// ValidationError reports input that was rejected before any mutation. The
// caller can retry with corrected input.
type ValidationError struct {
	reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("branches: validation failed: %s", e.reason)
}

// Reason returns the human-readable rejection reason.
func (e *ValidationError) Reason() string {
	return e.reason
}

func newValidationError(format string, args ...any) error {
	return &ValidationError{reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// ConflictError reports an illegal state transition, such as deleting the
// default branch or merging a branch that is already merged.
type ConflictError struct {
	reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("branches: conflict: %s", e.reason)
}

// Reason returns the human-readable conflict reason.
func (e *ConflictError) Reason() string {
	return e.reason
}

func newConflictError(format string, args ...any) error {
	return &ConflictError{reason: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// ServiceError wraps infrastructure failures with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason failure code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
