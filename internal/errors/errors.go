// Package errors defines the error taxonomy shared by all trustplane
// components. Callers are expected to distinguish "not found" from
// "access denied" from "backend unavailable" from "integrity violation";
// only the last taxonomy class is ever safe to retry.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates that a requested secret or resource does not
// exist. Read paths return this rather than a generic failure so callers
// can treat absence as a normal outcome.
type NotFoundError struct {
	Resource string
	Path     string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found: " + e.Path
	}
	return e.Resource + " not found: " + e.Path
}

// AuthError indicates that authentication or authorization against the
// secret store backend failed. Fatal until re-authenticated; never retried.
type AuthError struct {
	Backend string
	Message string
}

func (e AuthError) Error() string {
	if e.Backend == "" {
		return "authentication failed: " + e.Message
	}
	return "authentication failed for backend " + e.Backend + ": " + e.Message
}

// IntegrityError indicates an authentication-tag or context-binding
// mismatch during decryption. Always fatal for the operation, never
// silently ignored, never retried.
type IntegrityError struct {
	KeyID   string
	Message string
}

func (e IntegrityError) Error() string {
	if e.KeyID == "" {
		return "integrity violation: " + e.Message
	}
	return "integrity violation for key " + e.KeyID + ": " + e.Message
}

// UnavailableError indicates the backend could not be reached or returned
// a transient failure. This is the only class callers should retry.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e UnavailableError) Error() string {
	msg := "backend unavailable"
	if e.Backend != "" {
		msg += ": " + e.Backend
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e UnavailableError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a malformed request or rejected configuration
// value. Surfaced at initialization time where possible, fail-fast.
type ValidationError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ValidationError) Error() string {
	msg := "validation error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message
	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}
	return msg
}

// ConfigError represents a configuration error with helpful context.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message
	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}
	return msg
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae AuthError
	return errors.As(err, &ae)
}

// IsIntegrity reports whether err is (or wraps) an IntegrityError.
func IsIntegrity(err error) bool {
	var ie IntegrityError
	return errors.As(err, &ie)
}

// IsRetryable reports whether the error is transient and safe to retry.
// Authentication and integrity failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuth(err) || IsIntegrity(err) || IsNotFound(err) {
		return false
	}
	var ue UnavailableError
	if errors.As(err, &ue) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
