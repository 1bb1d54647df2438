// Package resilience provides the error taxonomy, retry policy, and
// circuit breaker applied to source adapter calls.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (network timeout,
// rate limit, 5xx-class upstream failure).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP
// status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// NonRetryableError wraps an error that retrying cannot fix, such as an
// expired dashboard session. The scheduler fails the task immediately.
type NonRetryableError struct {
	Err    error
	Reason string // e.g. "auth_expired", "parse"
}

func (e *NonRetryableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Err.Error())
	}
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NewAuthExpiredError marks an error as an expired-session failure.
// Retrying won't help without external re-authentication.
func NewAuthExpiredError(err error) *NonRetryableError {
	return &NonRetryableError{Err: err, Reason: "auth_expired"}
}

// NewParseError marks an error as an upstream payload-shape failure.
func NewParseError(err error) *NonRetryableError {
	return &NonRetryableError{Err: err, Reason: "parse"}
}

// MalformedRecordError reports a single raw record the normalizer
// rejected. Malformed records are logged and skipped; they never abort
// the batch they arrived in.
type MalformedRecordError struct {
	Source string
	Field  string
	Detail string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: missing or invalid %s (%s)", e.Source, e.Field, e.Detail)
}

// IsMalformed reports whether the error chain contains a
// MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

// IsNonRetryable reports whether the error chain contains a
// NonRetryableError.
func IsNonRetryable(err error) bool {
	var ne *NonRetryableError
	return errors.As(err, &ne)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network patterns.
// A NonRetryableError anywhere in the chain wins over everything else.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsNonRetryable(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// Classify categorizes an error for task bookkeeping: "transient",
// "non_retryable", "malformed", or "unknown". The scheduler treats
// unknown errors as non-retryable.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNonRetryable(err):
		return "non_retryable"
	case IsMalformed(err):
		return "malformed"
	case IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}
