package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeTransient represents network/service errors worth retrying
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeThrottled represents explicit backpressure from a remote service
	ErrorTypeThrottled ErrorType = "throttled"
	// ErrorTypeSchema represents a malformed analyzer response
	ErrorTypeSchema ErrorType = "schema"
	// ErrorTypeAuth represents credential failures, fatal for the whole run
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypePermission represents access denial scoped to one resource
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeFatal represents invariant violations that abort immediately
	ErrorTypeFatal ErrorType = "fatal"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Transient errors

// ErrTransient is returned for retryable network/service failures
type ErrTransient struct {
	*BaseError
	Operation string
	Attempt   int
}

func NewTransient(operation string, attempt int, err error) *ErrTransient {
	return &ErrTransient{
		BaseError: NewBaseError(ErrorTypeTransient, fmt.Sprintf("transient failure in %s (attempt %d)", operation, attempt), err),
		Operation: operation,
		Attempt:   attempt,
	}
}

// ErrRetriesExhausted is returned when the retry ceiling is reached
type ErrRetriesExhausted struct {
	*BaseError
	Operation string
	Attempts  int
}

func NewRetriesExhausted(operation string, attempts int, err error) *ErrRetriesExhausted {
	return &ErrRetriesExhausted{
		BaseError: NewBaseError(ErrorTypeTransient, fmt.Sprintf("%s failed after %d attempts", operation, attempts), err),
		Operation: operation,
		Attempts:  attempts,
	}
}

// Throttled errors

// ErrThrottled is returned when a server signals backpressure, or when a
// rate-limited acquire cannot be satisfied before its deadline
type ErrThrottled struct {
	*BaseError
	Operation  string
	RetryAfter time.Duration
}

func NewThrottled(operation string, retryAfter time.Duration, err error) *ErrThrottled {
	return &ErrThrottled{
		BaseError:  NewBaseError(ErrorTypeThrottled, fmt.Sprintf("throttled: %s (retry after %v)", operation, retryAfter), err),
		Operation:  operation,
		RetryAfter: retryAfter,
	}
}

// Schema errors

// ErrSchemaViolation is returned when the analysis service response does not
// conform to the expected assessment schema
type ErrSchemaViolation struct {
	*BaseError
	Field  string
	Reason string
}

func NewSchemaViolation(field, reason string) *ErrSchemaViolation {
	return &ErrSchemaViolation{
		BaseError: NewBaseError(ErrorTypeSchema, fmt.Sprintf("schema violation on %q: %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// Auth / permission errors

// ErrAuth is returned on credential failure; no partial credential state is
// trustworthy, so the whole run aborts
type ErrAuth struct {
	*BaseError
}

func NewAuth(message string, err error) *ErrAuth {
	return &ErrAuth{
		BaseError: NewBaseError(ErrorTypeAuth, message, err),
	}
}

// ErrPermission is returned when access to a single resource is denied; the
// affected scope is skipped, the run continues
type ErrPermission struct {
	*BaseError
	Resource string
}

func NewPermission(resource string, err error) *ErrPermission {
	return &ErrPermission{
		BaseError: NewBaseError(ErrorTypePermission, fmt.Sprintf("permission denied: %s", resource), err),
		Resource:  resource,
	}
}

// Fatal errors

// ErrFatal is returned on invariant violations, e.g. a corrupted checkpoint
type ErrFatal struct {
	*BaseError
	Context string
}

func NewFatal(context string, err error) *ErrFatal {
	return &ErrFatal{
		BaseError: NewBaseError(ErrorTypeFatal, fmt.Sprintf("fatal: %s", context), err),
		Context:   context,
	}
}

// Context errors

// ErrContextCancelled is returned when context is cancelled
type ErrContextCancelled struct {
	*BaseError
	Operation string
}

func NewContextCancelled(operation string, err error) *ErrContextCancelled {
	return &ErrContextCancelled{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context cancelled: %s", operation), err),
		Operation: operation,
	}
}

// Helper functions

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if baseErr, ok := err.(interface{ base() *BaseError }); ok {
			return baseErr.base().Type == errType
		}
		wrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = wrapped.Unwrap()
	}
	return false
}

func (e *BaseError) base() *BaseError { return e }

// IsRetryable reports whether the controller should retry the operation
func IsRetryable(err error) bool {
	switch {
	case IsErrorType(err, ErrorTypeTransient):
		return true
	case IsErrorType(err, ErrorTypeThrottled):
		// Throttling is honored, not counted as failure
		return true
	case IsErrorType(err, ErrorTypeSchema):
		return true
	default:
		return false
	}
}

// RetryAfter extracts a server-signaled backoff duration, if any
func RetryAfter(err error) (time.Duration, bool) {
	for err != nil {
		if throttled, ok := err.(*ErrThrottled); ok {
			return throttled.RetryAfter, true
		}
		wrapped, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = wrapped.Unwrap()
	}
	return 0, false
}
