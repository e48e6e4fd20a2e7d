package interfaces

import (
	"errors"
	"fmt"
)

// Kind classifies every error that leaves an adapter. Exchange-native
// codes and payloads never cross the adapter boundary; adapters map them
// into exactly one kind.
type Kind string

const (
	// KindAuthentication covers bad, missing or expired credentials.
	// Terminal, never retried.
	KindAuthentication Kind = "authentication"

	// KindRateLimit is exchange-side throttling. Retried with a longer
	// backoff than plain network failures.
	KindRateLimit Kind = "rate_limit"

	// KindInsufficientBalance is terminal and surfaced unmodified.
	KindInsufficientBalance Kind = "insufficient_balance"

	// KindInvalidSymbol means the symbol is unknown to the exchange.
	// Terminal.
	KindInvalidSymbol Kind = "invalid_symbol"

	// KindUnsupported is a capability error: the adapter does not
	// implement the requested operation, or the operation is invalid for
	// its configured market type. Raised before any network call.
	KindUnsupported Kind = "unsupported"

	// KindNetwork is a transport-level failure (connect error, timeout).
	// Transient, retried.
	KindNetwork Kind = "network"

	// KindExchange is the catch-all for everything else the exchange
	// rejects; it carries the native code and HTTP status for diagnostics.
	KindExchange Kind = "exchange"
)

// Error is the canonical error surfaced to callers of this layer.
type Error struct {
	Kind       Kind
	Message    string
	NativeCode string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.NativeCode != "" {
		return fmt.Sprintf("%s: %s (code=%s)", e.Kind, e.Message, e.NativeCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a canonical error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewAuthenticationError(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

func NewRateLimitError(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

func NewInsufficientBalanceError(message string) *Error {
	return &Error{Kind: KindInsufficientBalance, Message: message}
}

func NewInvalidSymbolError(symbol string) *Error {
	return &Error{Kind: KindInvalidSymbol, Message: fmt.Sprintf("invalid trading pair symbol %q", symbol)}
}

// NewUnsupportedError reports a capability the adapter does not provide.
func NewUnsupportedError(exchange, operation string) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Message: fmt.Sprintf("%s: operation %s not supported", exchange, operation),
	}
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}

// KindOf extracts the canonical kind of err, or KindExchange when err is
// not a canonical *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExchange
}

// IsKind reports whether err is a canonical error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether err is transient: only network failures and
// exchange-side rate limiting qualify. Everything else is terminal and
// must reach the caller on the first attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimit:
		return true
	}
	return false
}

// Sentinel errors for adapter lifecycle misuse.
var (
	// ErrNotInitialized is returned when an operation is attempted before
	// Initialize succeeded or after Disconnect.
	ErrNotInitialized = errors.New("exchange adapter not initialized")

	// ErrNoCredentials is returned by signed operations when the adapter
	// was constructed without API credentials. Raised before any network
	// call.
	ErrNoCredentials = NewAuthenticationError("missing API credentials")

	// ErrNotRegistered is returned by the manager when no adapter matches
	// the requested (exchange, market type) pair.
	ErrNotRegistered = errors.New("exchange not registered")
)
