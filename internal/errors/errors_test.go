package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryValidation, CodeMissingKey, "object key is required")
	expected := "[VALIDATION:MISSING_KEY] object key is required"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryStore, CodeLocked, "begin failed", cause)
	expected := "[STORE:LOCKED] begin failed: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryCompile, CodeEncodeFailed, "encode", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryStore, CodeTxFailed, "first")
	err2 := New(ErrCategoryStore, CodeTxFailed, "second")
	err3 := New(ErrCategoryStore, CodeQueryFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStore, CodeTxFailed, true},
		{ErrCategoryStore, CodeLocked, true},
		{ErrCategoryImport, CodeLookupMissing, true},
		{ErrCategoryInternal, CodeUnexpected, true},
		{ErrCategoryCompile, CodeEncodeFailed, true},
		{ErrCategoryCompile, CodeDecodeFailed, false},
		{ErrCategorySync, CodeStreamClosed, true},
		{ErrCategorySync, CodeObserverGone, false},
		{ErrCategoryValidation, CodeMissingKey, false},
		{ErrCategoryValidation, CodeEmptyBatch, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	if !IsRetryable(fmt.Errorf("connection reset")) {
		t.Error("plain errors are transient and should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewImportError(CodeLookupMissing, "no id for type", nil))
	if GetCategory(err) != ErrCategoryImport {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryImport)
	}
	if GetCode(err) != CodeLookupMissing {
		t.Errorf("got %q, want %q", GetCode(err), CodeLookupMissing)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("plain error should return empty category")
	}
}

func TestWithDetails(t *testing.T) {
	base := NewValidationError(CodeMissingKey, "missing key")
	detailed := base.WithDetails(map[string]interface{}{"index": 3})

	if base.Details != nil {
		t.Error("WithDetails must not mutate the receiver")
	}
	if detailed.Details["index"] != 3 {
		t.Errorf("expected detail index=3, got %v", detailed.Details["index"])
	}
}
