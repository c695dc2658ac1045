package exchange

import (
	"errors"
	"strings"
)

// Sentinel errors surfaced by the client, wrapped with %w so callers can
// test them with errors.Is.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderRejected     = errors.New("order rejected")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrExchangeMaint     = errors.New("exchange maintenance")

	// ErrTransport is returned once retries are exhausted on a write
	// whose outcome could not be resolved via client-oid lookup either.
	ErrTransport = errors.New("transport error")
	// ErrInternalServer wraps an HTTP 5xx response. Reads retry it
	// without limit; a placement whose retries run out on 5xx responses
	// returns ErrTransport, not ErrInternalServer.
	ErrInternalServer = errors.New("internal server error")

	// ErrStaleData signals an indicator gap; the caller (portfolio
	// manager) must skip the tick rather than act on partial data.
	ErrStaleData = errors.New("stale data")
)

// wellKnownRejection reports whether msg names one of the exchange's
// known rejection strings that the manager should downgrade rather than
// treat as a hard failure (spec.md §7, §4.H "on failure with a
// well-known rejection message").
func wellKnownRejection(msg string) (reason string, ok bool) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "post only"),
		strings.Contains(lower, "51020"),
		strings.Contains(lower, "170193"),
		strings.Contains(lower, "170194"):
		return "post_only", true
	case strings.Contains(lower, "insufficient"):
		return "insufficient_funds", true
	case strings.Contains(lower, "order already filled"),
		strings.Contains(lower, "order_status_filled"):
		return "already_filled", true
	case strings.Contains(lower, "not found"):
		return "not_found", true
	default:
		return "", false
	}
}
