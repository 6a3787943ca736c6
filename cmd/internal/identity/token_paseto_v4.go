package identity

import (
	"fmt"
	"strconv"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// PasetoVerifier verifies PASETO v4.public access tokens.
type PasetoVerifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoVerifier builds a verifier from the account service's Ed25519 public key.
func NewPasetoVerifier(publicKeyHex, issuer string, clockSkew time.Duration) (*PasetoVerifier, error) {
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(publicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoVerifier{issuer: issuer, clockSkew: clockSkew, public: public}, nil
}

func (v *PasetoVerifier) Verify(token string, now time.Time) (Principal, error) {
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(validWithin(now, v.clockSkew))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}

	uid, err := parsed.GetString(claimAccountID)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	role, err := parsed.GetString(claimRole)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	return principalFromClaims(uid, role)
}

// validWithin accepts a token whose [nbf/iat, exp) window contains now widened by skew on both sides.
func validWithin(now time.Time, skew time.Duration) paseto.Rule {
	return func(tok paseto.Token) error {
		exp, err := tok.GetExpiration()
		if err != nil {
			return err
		}
		if !now.Add(-skew).Before(exp) {
			return fmt.Errorf("token expired at %s", exp.Format(time.RFC3339))
		}
		if nbf, err := tok.GetNotBefore(); err == nil && now.Add(skew).Before(nbf) {
			return fmt.Errorf("token not valid before %s", nbf.Format(time.RFC3339))
		}
		if iat, err := tok.GetIssuedAt(); err == nil && now.Add(skew).Before(iat) {
			return fmt.Errorf("token issued in the future at %s", iat.Format(time.RFC3339))
		}
		return nil
	}
}

// PasetoIssuer signs PASETO v4.public access tokens.
type PasetoIssuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoIssuer builds an issuer from a hex-encoded Ed25519 secret key.
func NewPasetoIssuer(secretKeyHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PasetoIssuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// PublicKeyHex returns the key the service must be configured with to verify this issuer's tokens.
func (i *PasetoIssuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

func (i *PasetoIssuer) Issue(p Principal, now time.Time) (string, time.Time, error) {
	if !p.Valid() {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString(claimAccountID, strconv.FormatInt(p.AccountID, 10))
	tok.SetString(claimRole, string(p.Role))

	return tok.V4Sign(i.secret, nil), exp, nil
}

// NewPasetoKeyPairHex generates a fresh v4.public keypair (secret, public) for development.
func NewPasetoKeyPairHex() (string, string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}
