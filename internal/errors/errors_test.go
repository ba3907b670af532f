package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Credential not found")
		assert.Equal(t, "NOT_FOUND: Credential not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("redis connection refused")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "redis connection refused")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "code", "reason": "wrong length"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthenticated", func() *AppError { return Unauthenticated("test") }, ErrCodeUnauthenticated},
		{"InvalidToken", func() *AppError { return InvalidToken("test") }, ErrCodeInvalidToken},
		{"TokenExpired", func() *AppError { return TokenExpired() }, ErrCodeTokenExpired},
		{"NotFound", func() *AppError { return NotFound("Credential") }, ErrCodeNotFound},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("code", "not numeric") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("code") }, ErrCodeMissingRequired},
		{"InvalidPairingCode", func() *AppError { return InvalidPairingCode() }, ErrCodeInvalidPairingCode},
		{"PairingExpired", func() *AppError { return PairingExpired() }, ErrCodePairingExpired},
		{"PairingTimeout", func() *AppError { return PairingTimeout() }, ErrCodePairingTimeout},
		{"ChannelClosed", func() *AppError { return ChannelClosed() }, ErrCodeChannelClosed},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestBackend(t *testing.T) {
	t.Run("keeps the backend message verbatim", func(t *testing.T) {
		cause := errors.New("401")
		err := Backend("Invalid credentials", cause)
		assert.Equal(t, ErrCodeBackend, err.Code)
		assert.Equal(t, "Invalid credentials", err.Message)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestIsAppError(t *testing.T) {
	t.Run("returns true for AppError", func(t *testing.T) {
		err := New(ErrCodeNotFound, "test")
		assert.True(t, IsAppError(err))
	})

	t.Run("returns false for standard error", func(t *testing.T) {
		err := errors.New("standard error")
		assert.False(t, IsAppError(err))
	})

	t.Run("returns true for wrapped AppError", func(t *testing.T) {
		inner := New(ErrCodeNotFound, "test")
		err := fmt.Errorf("outer: %w", inner)
		assert.True(t, IsAppError(err))
	})
}

func TestIsUnauthenticated(t *testing.T) {
	t.Run("matches unauthenticated errors through wrapping", func(t *testing.T) {
		err := fmt.Errorf("refresh: %w", Unauthenticated("refresh token rejected"))
		assert.True(t, IsUnauthenticated(err))
	})

	t.Run("does not match other codes", func(t *testing.T) {
		assert.False(t, IsUnauthenticated(InvalidPairingCode()))
		assert.False(t, IsUnauthenticated(errors.New("plain")))
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		assert.Equal(t, ErrCodeChannelClosed, GetCode(ChannelClosed()))
	})

	t.Run("returns internal for unknown error", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, GetCode(errors.New("unknown")))
	})
}
