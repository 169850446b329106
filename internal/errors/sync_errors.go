package errors

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Update when the target row does not exist.
// Storage Get calls never return it; they translate "not found" into a nil document.
var ErrNotFound = errors.New("document not found")

// ConflictError reports an optimistic locking version mismatch. No write was performed.
type ConflictError struct {
	Table            string
	ID               string
	CurrentVersion   int64
	AttemptedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: current version %d, attempted version %d",
		e.Table, e.ID, e.CurrentVersion, e.AttemptedVersion)
}

// Code returns the error code for ConflictError.
func (e *ConflictError) Code() ErrorCode {
	return CodeOptimisticLock
}

// OfflineError signals that the network is unavailable. When Queued is true the write
// was accepted locally and will be replayed on reconnect.
type OfflineError struct {
	Table  string
	ID     string
	Queued bool
	Cause  error
}

func (e *OfflineError) Error() string {
	msg := fmt.Sprintf("offline: %s/%s", e.Table, e.ID)
	if e.Queued {
		msg += " queued for sync"
	} else {
		msg += " not available locally"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OfflineError) Unwrap() error {
	return e.Cause
}

// Code returns the error code for OfflineError.
func (e *OfflineError) Code() ErrorCode {
	return CodeOffline
}

// BackendError is the normalized shape of an error reported by a storage backend.
type BackendError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("(%s) %s", e.Code, e.Message)
}

// NetworkError wraps a transport-level failure (connection refused, reset, timeout,
// breaker open). Errors of this kind are treated as "network-shaped" by the offline cache.
type NetworkError struct {
	Op    string
	Code  ErrorCode
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// ValidationError reports invalid input detected before any network call.
type ValidationError struct {
	Code    ErrorCode
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidation creates a validation error for a field.
func NewValidation(code ErrorCode, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// NewNetwork wraps cause as a network-shaped error.
func NewNetwork(op string, code ErrorCode, cause error) *NetworkError {
	return &NetworkError{Op: op, Code: code, Cause: cause}
}

// UnknownStrategyError is returned by the conflict resolver façade for unrecognized strategies.
type UnknownStrategyError struct {
	Strategy string
	Known    []string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown conflict resolution strategy %q (known: %v)", e.Strategy, e.Known)
}
