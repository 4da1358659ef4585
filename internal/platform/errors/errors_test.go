package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      *Error
		wantType ErrorType
		status   int
	}{
		{"validation", ValidationError("bad page"), TypeValidation, http.StatusBadRequest},
		{"not found", NotFoundError("no such coin"), TypeNotFound, http.StatusNotFound},
		{"internal", InternalError("decode failed", cause), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("market data provider unavailable", cause), TypeExternal, http.StatusBadGateway},
		{"rate limited", RateLimitedError("rate limit exceeded"), TypeRateLimited, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestError_UnwrapAndMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalError("market data provider unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")

	noCause := InternalError("oops", nil)
	assert.NotContains(t, noCause.Error(), "<nil>")
}

func TestWithContext(t *testing.T) {
	err := ValidationError("per_page out of range").WithContext("max", 250)
	resp := err.ToResponse()

	assert.Equal(t, "per_page out of range", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, 250, resp.Context["max"])

	var bare Error
	bare.WithContext("k", "v")
	assert.Equal(t, "v", bare.Context["k"])
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := NotFoundError("missing")
	wrapped := fmt.Errorf("handler: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("unexpected")
	got := AsStructuredError(plain)
	require.NotNil(t, got)
	assert.Equal(t, TypeInternal, got.Type)
	assert.Equal(t, "internal server error", got.Message)
	assert.ErrorIs(t, got, plain)
}
