package app

import (
	"errors"
	"fmt"

	"libris/cmd/internal/chat"
)

// ErrSecurityPolicy is wrapped by every ValidateSecurityConfig failure.
var ErrSecurityPolicy = errors.New("security policy")

// ValidateSecurityConfig enforces the startup security policy.
// Misconfiguration fails fast instead of falling back to a weaker setup.
func ValidateSecurityConfig(cfg Config) error {
	if err := cfg.Token.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSecurityPolicy, err)
	}

	if _, err := chat.NewStaffPolicy(cfg.StaffRoles...); err != nil {
		return fmt.Errorf("%w: LIBRIS_STAFF_ROLES: %w", ErrSecurityPolicy, err)
	}

	// Browsers reject "*" with credentials, and echoing arbitrary origins would defeat CORS.
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("%w: LIBRIS_CORS_ALLOW_CREDENTIALS=true cannot be combined with origin \"*\"", ErrSecurityPolicy)
			}
		}
	}

	return nil
}
