// Package errors provides the structured error type shared by kawpool services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType classifies a failure by the subsystem that produced it.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	// ErrorTypeNode covers node RPC and notification failures.
	ErrorTypeNode  ErrorType = "node"
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout is used when a deadline elapses before a collaborator answers.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeAllocator marks extranonce allocation failures. These are never retryable.
	ErrorTypeAllocator ErrorType = "allocator"
	ErrorTypeInternal  ErrorType = "internal"
)

// ServiceError is an error annotated with the operation that failed and
// whether the caller may retry it.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Type, e.Operation, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ServiceError with the same type and
// operation. Sentinels declared with New therefore match wrapped copies.
func (e *ServiceError) Is(target error) bool {
	var t *ServiceError
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Operation == t.Operation && e.Message == t.Message
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the same error for chaining.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError whose retryability follows its type.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Newf is New with a formatted message.
func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap annotates err. A wrapped ServiceError keeps its retryability; any
// other cause is classified by isRetryableByDefault.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	} else if errorType == ErrorTypeAllocator || errorType == ErrorTypeValidation {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeNode:
		return true
	default:
		return false
	}
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"warming up",
}

// isRetryableByDefault classifies foreign errors. Cancellation is final;
// net timeouts and the node's "warming up" responses are transient.
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has the given type.
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context map of the outermost ServiceError in err.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
