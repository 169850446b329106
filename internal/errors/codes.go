// Package errors provides the error taxonomy shared by the synchronization layer.
package errors

// ErrorCode represents a unique error code for specific error scenarios
type ErrorCode string

const (
	// Storage errors
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeBackendError    ErrorCode = "BACKEND_ERROR"
	CodeInvalidQuery    ErrorCode = "INVALID_QUERY"
	CodeUnsupported     ErrorCode = "UNSUPPORTED_OPERATION"
	CodeDataCorruption  ErrorCode = "DATA_CORRUPTION"
	CodeOptimisticLock  ErrorCode = "OPTIMISTIC_LOCK"
	CodeUnknownStrategy ErrorCode = "UNKNOWN_STRATEGY"

	// Connectivity errors
	CodeOffline          ErrorCode = "OFFLINE"
	CodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"

	// Validation errors
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeMissingScope     ErrorCode = "MISSING_SCOPE"
	CodeAmbiguousScope   ErrorCode = "AMBIGUOUS_SCOPE"
	CodeMissingTopic     ErrorCode = "MISSING_TOPIC"
	CodeInvalidDimension ErrorCode = "INVALID_EMBEDDING_DIMENSION"

	// Internal errors
	CodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	return string(c)
}

// IsRetryable returns whether an error with this code should be retried
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case CodeOffline, CodeConnectionFailed, CodeTimeout, CodeCircuitOpen, CodeRateLimited:
		return true
	default:
		return false
	}
}

// ErrorSeverity indicates how loudly a caller should surface an error.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// Severity returns the severity level for the error code
func (c ErrorCode) Severity() ErrorSeverity {
	switch c {
	// Critical - local data can no longer be trusted
	case CodeDataCorruption, CodeInternalError:
		return SeverityCritical

	// High - the remote side rejected the operation
	case CodeBackendError, CodeInvalidQuery, CodeUnsupported, CodeUnknownStrategy:
		return SeverityHigh

	// Medium - caller has to refetch and decide
	case CodeOptimisticLock, CodeCircuitOpen, CodeRateLimited, CodeTimeout, CodeConnectionFailed:
		return SeverityMedium

	// Low - offline writes are accepted and will sync; input errors are the caller's
	default:
		return SeverityLow
	}
}
