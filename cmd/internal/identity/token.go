package identity

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Verifier turns an access token into a Principal.
type Verifier interface {
	Verify(token string, now time.Time) (Principal, error)
}

// Issuer mints access tokens. The chat service never issues tokens in production;
// issuers back the smoke tool and tests.
type Issuer interface {
	Issue(p Principal, now time.Time) (token string, exp time.Time, err error)
}

const (
	TokenFormatPaseto = "paseto"
	TokenFormatJWT    = "jwt"

	claimAccountID = "uid"
	claimRole      = "role"

	minJWTSecretBytes = 32
)

// TokenConfig selects and parameterizes the access-token verifier.
type TokenConfig struct {
	// Format is "paseto" (v4.public) or "jwt" (HS256).
	Format string

	// Issuer is enforced on the "iss" claim.
	Issuer string

	// ClockSkew widens validity checks to tolerate small clock differences.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex verifies v4.public tokens signed by the account service.
	PasetoV4PublicKeyHex string

	// JWTSecret is the shared HS256 secret (at least 32 bytes).
	JWTSecret string
}

// DefaultTokenConfig returns defaults suitable for development.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		Format:    TokenFormatPaseto,
		Issuer:    "libris",
		ClockSkew: 30 * time.Second,
	}
}

// LoadTokenConfigFromEnv reads:
//   - LIBRIS_AUTH_TOKEN_FORMAT (paseto|jwt)
//   - LIBRIS_AUTH_ISSUER
//   - LIBRIS_AUTH_CLOCK_SKEW
//   - LIBRIS_PASETO_V4_PUBLIC_KEY_HEX
//   - LIBRIS_JWT_HS256_SECRET
func LoadTokenConfigFromEnv() (TokenConfig, error) {
	cfg := DefaultTokenConfig()

	if v := strings.TrimSpace(os.Getenv("LIBRIS_AUTH_TOKEN_FORMAT")); v != "" {
		cfg.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LIBRIS_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("LIBRIS_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return TokenConfig{}, fmt.Errorf("%w: LIBRIS_AUTH_CLOCK_SKEW", ErrConfig)
		}
		cfg.ClockSkew = d
	}
	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("LIBRIS_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.JWTSecret = os.Getenv("LIBRIS_JWT_HS256_SECRET")

	return cfg, cfg.Validate()
}

// Validate checks that the selected format has its key material.
func (c TokenConfig) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	switch c.Format {
	case TokenFormatPaseto:
		if c.PasetoV4PublicKeyHex == "" {
			return fmt.Errorf("%w: LIBRIS_PASETO_V4_PUBLIC_KEY_HEX is required", ErrConfig)
		}
	case TokenFormatJWT:
		if len(c.JWTSecret) < minJWTSecretBytes {
			return fmt.Errorf("%w: LIBRIS_JWT_HS256_SECRET must be at least %d bytes", ErrConfig, minJWTSecretBytes)
		}
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrConfig, c.Format)
	}
	return nil
}

// NewVerifier builds the Verifier selected by cfg.Format.
func NewVerifier(cfg TokenConfig) (Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Format {
	case TokenFormatJWT:
		return NewJWTVerifier([]byte(cfg.JWTSecret), cfg.Issuer, cfg.ClockSkew)
	default:
		return NewPasetoVerifier(cfg.PasetoV4PublicKeyHex, cfg.Issuer, cfg.ClockSkew)
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequestToken returns the bearer token, falling back to the access_token query parameter.
// Browsers cannot set headers on websocket handshakes, so the gateway accepts both.
func RequestToken(r *http.Request) string {
	if tok := BearerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Authenticate verifies the request's token and returns the Principal.
func Authenticate(v Verifier, r *http.Request, now time.Time) (Principal, error) {
	tok := RequestToken(r)
	if tok == "" {
		return Principal{}, ErrMissingToken
	}
	if v == nil {
		return Principal{}, ErrInvalidToken
	}
	return v.Verify(tok, now)
}

func principalFromClaims(uid, role string) (Principal, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(uid), 10, 64)
	if err != nil || id <= 0 {
		return Principal{}, ErrInvalidToken
	}
	r, err := ParseRole(role)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return Principal{AccountID: id, Role: r}, nil
}
