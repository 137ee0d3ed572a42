// Package errors provides error types and handling for the endpoint prober.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Network represents network-related errors (DNS, connection).
	Network
	// Timeout represents timeout errors.
	Timeout
	// Cancelled represents context cancellation.
	Cancelled
	// Grammar means an API error message matched none of the known phrasings.
	Grammar
	// Nullability means a parameter assumed nullable rejected an empty value.
	Nullability
	// Store represents record-store load/save failures.
	Store
	// Config represents invalid configuration or static tables.
	Config
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case Grammar:
		return "grammar_mismatch"
	case Nullability:
		return "nullability_violation"
	case Store:
		return "store"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type should be retried at the transport level.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case Network, Timeout:
		return true
	default:
		return false
	}
}

// ProbeError represents a categorized analysis error.
type ProbeError struct {
	Type      ErrorType
	Endpoint  string
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error during %s on %s: %s (caused by: %v)",
			e.Type.String(), e.Operation, e.Endpoint, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error during %s on %s: %s",
		e.Type.String(), e.Operation, e.Endpoint, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target.
func (e *ProbeError) Is(target error) bool {
	t, ok := target.(*ProbeError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// NewProbeError creates a new ProbeError.
func NewProbeError(errType ErrorType, endpoint, operation, message string, cause error) *ProbeError {
	return &ProbeError{
		Type:      errType,
		Endpoint:  endpoint,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: errType.IsRetryable(),
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(endpoint, operation string, cause error) *ProbeError {
	return NewProbeError(Network, endpoint, operation, "network failure", cause)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(endpoint, operation string, cause error) *ProbeError {
	return NewProbeError(Timeout, endpoint, operation, "request timed out", cause)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(endpoint, operation string) *ProbeError {
	return NewProbeError(Cancelled, endpoint, operation, "operation cancelled", nil)
}

// NewGrammarError reports an error segment that neither classifier regex understood.
func NewGrammarError(endpoint, segment string) *ProbeError {
	return NewProbeError(Grammar, endpoint, "classify", fmt.Sprintf("failed to match error %q", segment), nil)
}

// NewNullabilityError reports a nullability probe rejected by the API.
func NewNullabilityError(endpoint, message string) *ProbeError {
	return NewProbeError(Nullability, endpoint, "nullability_probe", message, nil)
}

// NewStoreError creates a record-store error.
func NewStoreError(path, operation string, cause error) *ProbeError {
	return NewProbeError(Store, path, operation, "record store failure", cause)
}

// NewConfigError creates a configuration error.
func NewConfigError(source, message string, cause error) *ProbeError {
	return NewProbeError(Config, source, "load", message, cause)
}

// Categorize determines the error type from a transport error.
func Categorize(err error, endpoint string) *ProbeError {
	if err == nil {
		return nil
	}

	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr
	}

	if errors.Is(err, context.Canceled) {
		return NewCancelledError(endpoint, "request")
	}

	if isTimeout(err) {
		return NewTimeoutError(endpoint, "request", err)
	}

	if isNetworkError(err) {
		return NewNetworkError(endpoint, "request", err)
	}

	return NewProbeError(Unknown, endpoint, "request", err.Error(), err)
}

// isTimeout checks if an error is a timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// isNetworkError checks if an error is network-related.
func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp")
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr.Retryable
	}

	return isTimeout(err) || isNetworkError(err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr.Type
	}
	return Unknown
}

// IsGrammarMismatch reports whether err is a classifier grammar mismatch.
func IsGrammarMismatch(err error) bool {
	return GetErrorType(err) == Grammar
}

// IsNullabilityViolation reports whether err is a nullability-probe violation.
func IsNullabilityViolation(err error) bool {
	return GetErrorType(err) == Nullability
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return GetErrorType(err) == Cancelled || errors.Is(err, context.Canceled)
}

// IsFatal reports whether err is a protocol failure that aborts an endpoint's
// analysis, as opposed to a transport failure.
func IsFatal(err error) bool {
	switch GetErrorType(err) {
	case Grammar, Nullability:
		return true
	default:
		return false
	}
}
