// Package apperrors defines the standardized error taxonomy shared by the
// exchange gateway, the bot controllers and the control API.
package apperrors

import "errors"

// Venue errors, mapped from exchange responses by the gateway.
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrLotSize              = errors.New("quantity violates lot size filter")
	ErrMinNotional          = errors.New("order value below minimum notional")
	ErrPriceFilter          = errors.New("price violates price filter")
	ErrTimestampSkew        = errors.New("timestamp outside recv window")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrRegionBlocked        = errors.New("request blocked for region")
	ErrOrderNotFound        = errors.New("order not found")
	ErrSymbolUnknown        = errors.New("unknown symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNetwork              = errors.New("network error")
	ErrVenueUnavailable     = errors.New("venue unavailable")
)

// Control API errors, surfaced to the external HTTP layer.
var (
	ErrValidation          = errors.New("validation failed")
	ErrPriceRange          = errors.New("current price outside grid range")
	ErrInsufficientBalance = errors.New("insufficient balance for grid coverage")
	ErrBotNotFound         = errors.New("bot not found")
	ErrAlreadyActive       = errors.New("bot already active")
	ErrAlreadyStopped      = errors.New("bot already stopped")
	ErrNotActive           = errors.New("bot not active")
	ErrCredentialsMissing  = errors.New("no exchange credentials for user")
	ErrNoHealthyProxy      = errors.New("no healthy proxy available")
)

// IsTransient reports whether an operation may succeed on retry. Rate limits,
// network failures and temporary venue outages qualify; everything mapped to
// a validation or balance error does not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrVenueUnavailable) ||
		errors.Is(err, ErrTimestampSkew)
}

// IsFatal reports whether the bot owning the failed operation should be
// quarantined in the error state rather than retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrSymbolUnknown)
}

// IsFilterRejection reports whether the venue rejected the order on a symbol
// filter. The gateway refreshes its symbol metadata cache on these.
func IsFilterRejection(err error) bool {
	return errors.Is(err, ErrLotSize) ||
		errors.Is(err, ErrMinNotional) ||
		errors.Is(err, ErrPriceFilter)
}
