package identity

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 JWT access tokens. The account id is carried in "sub".
type JWTVerifier struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
}

// NewJWTVerifier builds an HS256 verifier.
func NewJWTVerifier(secret []byte, issuer string, clockSkew time.Duration) (*JWTVerifier, error) {
	if len(secret) < minJWTSecretBytes {
		return nil, ErrConfig
	}
	return &JWTVerifier{secret: secret, issuer: issuer, clockSkew: clockSkew}, nil
}

func (v *JWTVerifier) Verify(token string, now time.Time) (Principal, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return Principal{}, ErrInvalidToken
	}
	return principalFromClaims(claims.Subject, claims.Role)
}

// JWTIssuer signs HS256 JWT access tokens.
type JWTIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewJWTIssuer builds an HS256 issuer.
func NewJWTIssuer(secret []byte, issuer string, ttl time.Duration) (*JWTIssuer, error) {
	if len(secret) < minJWTSecretBytes {
		return nil, ErrConfig
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWTIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

func (i *JWTIssuer) Issue(p Principal, now time.Time) (string, time.Time, error) {
	if !p.Valid() {
		return "", time.Time{}, errors.New("identity: invalid principal")
	}
	exp := now.Add(i.ttl)
	claims := jwtClaims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   strconv.FormatInt(p.AccountID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}
