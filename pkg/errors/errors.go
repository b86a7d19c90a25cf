// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed errors surfaced to tool callers.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
const (
	// ErrBadRequest is returned when a request violates the argument schema
	ErrBadRequest = "bad_request"

	// ErrPolicyRejected is returned when the policy screener denies the code
	ErrPolicyRejected = "policy_rejected"

	// ErrNotFound is returned when a referenced session does not exist or is terminal
	ErrNotFound = "not_found"

	// ErrUnsupported is returned when a language id is not in the registry
	ErrUnsupported = "unsupported"

	// ErrRateLimited is returned when the admission controller refuses a caller
	ErrRateLimited = "rate_limited"

	// ErrCircuitOpen is returned when a dependency's circuit breaker is open
	ErrCircuitOpen = "circuit_open"

	// ErrTimeout is returned when an execution exceeds its wall-clock budget
	ErrTimeout = "timeout"

	// ErrOutputOverflow is returned when stdout exceeds its capture cap
	ErrOutputOverflow = "output_overflow"

	// ErrSpawnFailed is returned when a child process could not be started
	ErrSpawnFailed = "spawn_failed"

	// ErrQueueTimeout is returned when a queued execution waits too long for a slot
	ErrQueueTimeout = "queue_timeout"

	// ErrInternal is returned for any other unexpected error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// CorrelationID ties an internal error to its log entries
	CorrelationID string
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Message
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("%s (correlation id %s)", msg, e.CorrelationID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string, cause error) *Error {
	return NewError(ErrBadRequest, message, cause)
}

// NewPolicyRejectedError creates a new policy rejected error. The message
// names the matched pattern.
func NewPolicyRejectedError(message string) *Error {
	return NewError(ErrPolicyRejected, message, nil)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewUnsupportedError creates a new unsupported language error
func NewUnsupportedError(message string) *Error {
	return NewError(ErrUnsupported, message, nil)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string) *Error {
	return NewError(ErrRateLimited, message, nil)
}

// NewCircuitOpenError creates a new circuit open error
func NewCircuitOpenError(message string) *Error {
	return NewError(ErrCircuitOpen, message, nil)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewOutputOverflowError creates a new output overflow error
func NewOutputOverflowError(message string) *Error {
	return NewError(ErrOutputOverflow, message, nil)
}

// NewSpawnFailedError creates a new spawn failed error wrapping the OS error
func NewSpawnFailedError(message string, cause error) *Error {
	return NewError(ErrSpawnFailed, message, cause)
}

// NewQueueTimeoutError creates a new queue timeout error
func NewQueueTimeoutError(message string) *Error {
	return NewError(ErrQueueTimeout, message, nil)
}

// NewInternalError creates a new internal error carrying a fresh correlation id
func NewInternalError(message string, cause error) *Error {
	return &Error{
		Type:          ErrInternal,
		Message:       message,
		Cause:         cause,
		CorrelationID: uuid.NewString(),
	}
}

func is(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsBadRequest checks if the error is a bad request error
func IsBadRequest(err error) bool {
	return is(err, ErrBadRequest)
}

// IsPolicyRejected checks if the error is a policy rejected error
func IsPolicyRejected(err error) bool {
	return is(err, ErrPolicyRejected)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// IsUnsupported checks if the error is an unsupported language error
func IsUnsupported(err error) bool {
	return is(err, ErrUnsupported)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return is(err, ErrRateLimited)
}

// IsCircuitOpen checks if the error is a circuit open error
func IsCircuitOpen(err error) bool {
	return is(err, ErrCircuitOpen)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return is(err, ErrTimeout)
}

// IsOutputOverflow checks if the error is an output overflow error
func IsOutputOverflow(err error) bool {
	return is(err, ErrOutputOverflow)
}

// IsSpawnFailed checks if the error is a spawn failed error
func IsSpawnFailed(err error) bool {
	return is(err, ErrSpawnFailed)
}

// IsQueueTimeout checks if the error is a queue timeout error
func IsQueueTimeout(err error) bool {
	return is(err, ErrQueueTimeout)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrInternal)
}

// TypeOf returns the error type for typed errors, or ErrInternal for
// anything else.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}
