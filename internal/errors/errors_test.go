package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("original error")

	// When: wrapping with KernelError
	kerr := New(ErrFileNotFound, "file not found: test.txt", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, kerr)
	assert.Equal(t, originalErr, errors.Unwrap(kerr))
	assert.True(t, errors.Is(kerr, originalErr))
}

func TestKernelError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "input error",
			code:     ErrEmptyArgument,
			message:  "query cannot be empty",
			expected: "[ERR_102_EMPTY_ARGUMENT] query cannot be empty",
		},
		{
			name:     "file access error",
			code:     ErrFileNotFound,
			message:  "file.go not found",
			expected: "[ERR_201_FILE_NOT_FOUND] file.go not found",
		},
		{
			name:     "network error",
			code:     ErrNetworkTransport,
			message:  "request timed out",
			expected: "[ERR_501_TRANSPORT] request timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestKernelError_Is_MatchesByCode(t *testing.T) {
	err1 := New(ErrFileNotFound, "file A not found", nil)
	err2 := New(ErrFileNotFound, "file B not found", nil)

	assert.True(t, errors.Is(err1, err2))
}

func TestKernelError_Is_DoesNotMatchDifferentCodes(t *testing.T) {
	err1 := New(ErrFileNotFound, "file not found", nil)
	err2 := New(ErrInvalidArgument, "bad argument", nil)

	assert.False(t, errors.Is(err1, err2))
}

func TestKernelError_WithDetails_AddsContext(t *testing.T) {
	err := New(ErrFileNotFound, "file not found", nil)

	err = err.WithDetail("path", "/foo/bar.md")
	err = err.WithDetail("size", "1024")

	assert.Equal(t, "/foo/bar.md", err.Details["path"])
	assert.Equal(t, "1024", err.Details["size"])
}

func TestKernelError_WithSuggestion_AddsSuggestion(t *testing.T) {
	err := New(ErrNetworkTransport, "connection timed out", nil)

	err = err.WithSuggestion("check your network connection")

	assert.Equal(t, "check your network connection", err.Suggestion)
}

func TestKernelError_CategoryFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantCategory Category
	}{
		{ErrEmptyArgument, CategoryInput},
		{ErrFileNotFound, CategoryFileAccess},
		{ErrFilePermission, CategoryFileAccess},
		{ErrNetworkTransport, CategoryNetwork},
		{ErrInvalidArgument, CategoryInvalidArg},
		{ErrInvariantViolated, CategoryInternal},
		{ErrNotFound, CategoryNotFound},
		{ErrRateLimited, CategoryRateLimit},
		{ErrUnauthorized, CategoryAuthorization},
		{ErrOpenFailed, CategoryOpenError},
		{ErrExecuteFailed, CategoryExecuteError},
		{ErrTransactionNesting, CategoryTransactionError},
		{ErrThreadAffinity, CategoryThreadError},
		{ErrStoreCorrupt, CategoryFatalError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantCategory, err.Category)
		})
	}
}

func TestKernelError_SeverityFromCode(t *testing.T) {
	tests := []struct {
		code         string
		wantSeverity Severity
	}{
		{ErrStoreCorrupt, SeverityFatal},
		{ErrFileNotFound, SeverityError},
		{ErrNetworkTransport, SeverityWarning},
		{ErrRateLimited, SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantSeverity, err.Severity)
		})
	}
}

func TestKernelError_RetryableFromCode(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{ErrNetworkTransport, true},
		{ErrRateLimited, true},
		{ErrFileNotFound, false},
		{ErrInvalidConfig, false},
		{ErrStoreCorrupt, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesKernelErrorFromError(t *testing.T) {
	originalErr := errors.New("something went wrong")

	kerr := Wrap(ErrInvariantViolated, originalErr)

	require.NotNil(t, kerr)
	assert.Equal(t, ErrInvariantViolated, kerr.Code)
	assert.Equal(t, "something went wrong", kerr.Message)
	assert.Equal(t, originalErr, kerr.Cause)
}

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrInvariantViolated, nil))
}

func TestFileAccess_CreatesFileAccessCategoryError(t *testing.T) {
	err := FileAccess("cannot open chunk file", nil)

	assert.Equal(t, CategoryFileAccess, err.Category)
}

func TestNetwork_CreatesRetryableError(t *testing.T) {
	err := Network("connection refused", nil)

	assert.Equal(t, CategoryNetwork, err.Category)
	assert.True(t, err.Retryable)
}

func TestInvalidArgument_CreatesInvalidArgumentCategoryError(t *testing.T) {
	err := InvalidArgument("query cannot be empty", nil)

	assert.Equal(t, CategoryInvalidArg, err.Category)
}

func TestIsRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"retryable KernelError", New(ErrNetworkTransport, "timeout", nil), true},
		{"non-retryable KernelError", New(ErrFileNotFound, "not found", nil), false},
		{"wrapped retryable error", Wrap(ErrNetworkTransport, errors.New("wrapped")), true},
		{"standard error", errors.New("standard error"), false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal_ChecksFatalSeverity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"fatal error", New(ErrStoreCorrupt, "index corrupt", nil), true},
		{"non-fatal error", New(ErrFileNotFound, "not found", nil), false},
		{"standard error", errors.New("standard error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsFatal(tt.err))
		})
	}
}
