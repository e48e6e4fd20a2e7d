package interfaces

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := NewRateLimitError("too many requests")
	assert.Equal(t, "rate_limit: too many requests", plain.Error())

	withCode := &Error{
		Kind:       KindExchange,
		Message:    "order would trigger immediately",
		NativeCode: "-2021",
		HTTPStatus: 400,
	}
	assert.Equal(t, "exchange: order would trigger immediately (code=-2021)", withCode.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAuthentication, KindOf(NewAuthenticationError("bad key")))
	assert.Equal(t, KindInvalidSymbol, KindOf(NewInvalidSymbolError("NOPE")))
	assert.Equal(t, KindExchange, KindOf(errors.New("opaque")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := NewInsufficientBalanceError("not enough USDT")
	wrapped := fmt.Errorf("placing order: %w", inner)

	assert.True(t, IsKind(wrapped, KindInsufficientBalance))
	assert.Equal(t, KindInsufficientBalance, KindOf(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, "not enough USDT", e.Message)
}

func TestNetworkErrorUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewNetworkError(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindNetwork, KindOf(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"network", NewNetworkError(errors.New("timeout")), true},
		{"rate limit", NewRateLimitError("throttled"), true},
		{"authentication", NewAuthenticationError("bad signature"), false},
		{"insufficient balance", NewInsufficientBalanceError("no funds"), false},
		{"invalid symbol", NewInvalidSymbolError("XXX"), false},
		{"unsupported", NewUnsupportedError("okx", "PlaceOrder"), false},
		{"generic exchange", NewError(KindExchange, "boom"), false},
		{"opaque", errors.New("unclassified"), false},
		{"wrapped rate limit", fmt.Errorf("ctx: %w", NewRateLimitError("throttled")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestSentinels(t *testing.T) {
	assert.True(t, IsKind(ErrNoCredentials, KindAuthentication))
	assert.False(t, IsRetryable(ErrNoCredentials))
	assert.NotNil(t, ErrNotInitialized)
	assert.NotNil(t, ErrNotRegistered)
}
