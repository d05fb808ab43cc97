package model

import "errors"

// Sentinel errors for domain-level error handling.
// The HTTP layer maps these to status codes.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrMarketNotFound      = errors.New("market not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrProfileExists       = errors.New("profile already exists")
	ErrMarketNotOpen       = errors.New("market is not open for trading")
	ErrMarketNotResolved   = errors.New("market is not resolved")
	ErrOutcomeNotSet       = errors.New("market outcome is not set")
	ErrAlreadyResolved     = errors.New("market is already resolved")
	ErrOrderNotCancellable = errors.New("order is not cancellable")
	ErrRateLimited         = errors.New("rate limited")
)

// ValidationError represents a request validation failure. No state is
// mutated when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Invalid builds a ValidationError for field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
