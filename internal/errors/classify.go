package errors

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/sony/gobreaker"
)

// Is, As and New re-export the standard helpers so callers importing this package
// under the name "errors" keep access to them.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

// IsConflict checks if an error is an optimistic locking conflict.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var target *ConflictError
	ok := errors.As(err, &target)
	return target, ok
}

// IsOffline checks if an error signals "saved locally, will sync" or "unavailable offline".
func IsOffline(err error) bool {
	var target *OfflineError
	return errors.As(err, &target)
}

// IsValidation checks if an error is an input validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound checks if an error reports a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBackend checks if an error was reported by the storage backend itself.
func IsBackend(err error) bool {
	var target *BackendError
	return errors.As(err, &target)
}

// IsNetwork reports whether err is network-shaped: the request never reached the
// backend or the transport gave up. Backend-reported errors are never network-shaped.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if IsBackend(err) || IsConflict(err) || IsValidation(err) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var offline *OfflineError
	if errors.As(err, &offline) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne)
}

// CodeOf returns the ErrorCode that best describes err.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case IsConflict(err):
		return CodeOptimisticLock
	case IsOffline(err):
		return CodeOffline
	case IsNotFound(err):
		return CodeNotFound
	case IsValidation(err):
		var v *ValidationError
		errors.As(err, &v)
		if v.Code != "" {
			return v.Code
		}
		return CodeValidationFailed
	case IsBackend(err):
		return CodeBackendError
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Code
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CodeCircuitOpen
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if IsNetwork(err) {
		return CodeConnectionFailed
	}
	var unknown *UnknownStrategyError
	if errors.As(err, &unknown) {
		return CodeUnknownStrategy
	}
	return CodeInternalError
}
