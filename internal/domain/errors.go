package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// ErrConfig marks fatal configuration problems: unresolved model
	// bindings, malformed agent libraries, invalid process config. The
	// process must not start past one of these.
	ErrConfig = errors.New("invalid configuration")

	// Per-agent-call failure kinds. These are recorded as failed results
	// for the affected agent and never abort sibling agents or the session.
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrCircuitOpen = errors.New("provider circuit open")
	ErrTimeout     = errors.New("provider call timed out")
	ErrProvider    = errors.New("provider returned an error")
	ErrTransport   = errors.New("provider unreachable")
)

// ErrProviderServer marks 5xx-equivalent provider responses. It wraps
// ErrProvider so callers matching the broader kind still catch it; the
// circuit breaker tracks it separately from client-side provider errors.
var ErrProviderServer = fmt.Errorf("%w: server error", ErrProvider)

var (

	// ErrProviderDisabled means the agent's provider family has no
	// registered adapter (e.g. missing API key disabled it at startup).
	ErrProviderDisabled = errors.New("provider not available")

	// ErrProtocol marks a malformed client payload. Reported back on the
	// same connection without closing it.
	ErrProtocol = errors.New("malformed payload")

	// ErrSessionBusy is returned when a question arrives while a prior
	// one for the same connection is still aggregating.
	ErrSessionBusy = errors.New("a question is already being processed")

	// ErrAuthFailed is returned for an invalid gateway token.
	ErrAuthFailed = errors.New("authentication failed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g. "Library.PanelFor")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FailureKind is a machine-parseable category for a failed agent result,
// carried on result events for clients and monitoring.
type FailureKind string

const (
	KindNone             FailureKind = ""
	KindInvalidRequest   FailureKind = "invalid_request"
	KindRateLimited      FailureKind = "rate_limited"
	KindCircuitOpen      FailureKind = "circuit_open"
	KindTimeout          FailureKind = "timeout"
	KindProviderError    FailureKind = "provider_error"
	KindTransportError   FailureKind = "transport_error"
	KindProviderDisabled FailureKind = "provider_unavailable"
)

// FailureKindOf classifies err into a FailureKind. Unknown errors map to
// KindProviderError so every failed result carries a concrete kind.
func FailureKindOf(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfig), errors.Is(err, ErrProtocol):
		return KindInvalidRequest
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransport):
		return KindTransportError
	case errors.Is(err, ErrProviderDisabled):
		return KindProviderDisabled
	default:
		return KindProviderError
	}
}

// IsNetworkFailure reports whether err is a connection-level failure or a
// deadline expiry, as opposed to a response the provider actually produced.
func IsNetworkFailure(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsOutage reports whether err indicates the provider itself is unhealthy:
// network-level failures, deadline expiry, or 5xx-equivalent responses.
// Client-side errors (bad request, auth) do not count toward tripping a
// circuit.
func IsOutage(err error) bool {
	return IsNetworkFailure(err) || errors.Is(err, ErrProviderServer)
}
