package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Trade Lifecycle Errors
	ErrTradeActive   = errors.New("another trade is already active")
	ErrNoActiveTrade = errors.New("no trade is currently active")
	ErrTradeLimit    = errors.New("daily trade limit reached")

	// Broker Specific Errors
	ErrBrokerUnavailable    = errors.New("broker API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check credentials)")
	ErrSymbolNotFound       = errors.New("could not resolve symbol token")
	ErrPriceUnavailable     = errors.New("could not fetch last traded price")
	ErrOrderPlacementFailed = errors.New("failed to place order")

	// Database Specific Errors
	ErrNotFound     = errors.New("resource not found")
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
)
