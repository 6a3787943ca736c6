package app

import (
	"errors"
	"testing"

	"libris/cmd/internal/identity"
)

func validSecurityConfig() Config {
	tok := identity.DefaultTokenConfig()
	tok.Format = identity.TokenFormatJWT
	tok.JWTSecret = "0123456789abcdef0123456789abcdef"
	return Config{
		Token:              tok,
		StaffRoles:         []string{"Admin", "Librarian"},
		CORSAllowedOrigins: []string{"https://app.example.com"},
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "short jwt secret", mutate: func(c *Config) { c.Token.JWTSecret = "short" }, wantErr: true},
		{name: "paseto without key", mutate: func(c *Config) { c.Token.Format = identity.TokenFormatPaseto }, wantErr: true},
		{name: "unknown staff role", mutate: func(c *Config) { c.StaffRoles = []string{"Janitor"} }, wantErr: true},
		{name: "wildcard without credentials", mutate: func(c *Config) { c.CORSAllowedOrigins = []string{"*"} }},
		{
			name: "wildcard with credentials",
			mutate: func(c *Config) {
				c.CORSAllowedOrigins = []string{"*"}
				c.CORSAllowCredentials = true
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validSecurityConfig()
			tc.mutate(&cfg)

			err := ValidateSecurityConfig(cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrSecurityPolicy) {
					t.Fatalf("expected ErrSecurityPolicy, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
