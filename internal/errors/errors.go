// Package errors provides structured error types for chunkindex.
// Every error carries a category, a code, a message and a retryable flag so
// the worker pool can decide between retrying a unit and giving up on it.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryImport     ErrorCategory = "IMPORT"
	ErrCategoryCompile    ErrorCategory = "COMPILE"
	ErrCategorySync       ErrorCategory = "SYNC"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeEmptyBatch       = "EMPTY_BATCH"
	CodeMissingKey       = "MISSING_KEY"
	CodeReservedProperty = "RESERVED_PROPERTY"
	CodeBadEnvelope      = "BAD_ENVELOPE"

	// Store codes
	CodeTxFailed    = "TX_FAILED"
	CodeQueryFailed = "QUERY_FAILED"
	CodeLocked      = "LOCKED"

	// Import codes
	CodeLookupMissing = "LOOKUP_MISSING"

	// Compile codes
	CodeEncodeFailed = "ENCODE_FAILED"
	CodeDecodeFailed = "DECODE_FAILED"

	// Sync codes
	CodeStreamClosed = "STREAM_CLOSED"
	CodeObserverGone = "OBSERVER_GONE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Errors that are not *Error are treated as transient infrastructure
// failures and are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable decides the default retry policy for a category/code pair.
// Missing lookup ids are usually a race with a concurrent importer and
// resolve on the next attempt, so they retry like transient store errors.
func isRetryable(category ErrorCategory, code string) bool {
	switch category {
	case ErrCategoryValidation:
		return false
	case ErrCategoryCompile:
		return code != CodeDecodeFailed
	case ErrCategorySync:
		return code == CodeStreamClosed
	default:
		return true
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewImportError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryImport, code, message, cause)
}

func NewCompileError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryCompile, code, message, cause)
}

func NewSyncError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySync, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
