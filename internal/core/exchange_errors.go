package core

import "errors"

// Classification sentinels for errors crossing the exchange boundary. Adapter
// implementations wrap the raw API error together with exactly one of these
// so callers can branch with errors.Is without knowing exchange error codes.
var (
	// ErrTransient indicates a retryable failure (network, 5xx, timeout).
	ErrTransient = errors.New("transient exchange error")
	// ErrFatalAuth indicates invalid or revoked credentials. Not retryable.
	ErrFatalAuth = errors.New("authentication failed")
	// ErrRateLimited indicates the request budget is exhausted. Retryable
	// after backing off.
	ErrRateLimited = errors.New("rate limited")
	// ErrOrderRejected indicates the exchange refused the order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientMargin indicates the account cannot fund the action.
	ErrInsufficientMargin = errors.New("insufficient margin")
	// ErrOrderNotFound indicates the order does not exist on the exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder indicates the correlation id was already accepted.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrPrecisionConfig indicates local precision metadata disagrees with
	// the exchange rules. Fatal for the affected symbol.
	ErrPrecisionConfig = errors.New("precision configuration mismatch")
)

// IsTransient reports whether the error is worth retrying as-is.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
