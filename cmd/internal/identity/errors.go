package identity

import "errors"

var (
	// ErrInvalidToken is returned for malformed, expired, or wrongly signed tokens.
	// Callers must not distinguish between those reasons in responses.
	ErrInvalidToken = errors.New("identity: invalid token")

	// ErrMissingToken is returned when a request carries no credentials.
	ErrMissingToken = errors.New("identity: missing token")

	// ErrConfig is returned when token configuration is incomplete or invalid.
	ErrConfig = errors.New("identity: invalid config")
)
