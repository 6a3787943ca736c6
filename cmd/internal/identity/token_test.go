package identity

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func newPasetoPair(t *testing.T, issuer string) (*PasetoIssuer, *PasetoVerifier) {
	t.Helper()

	secretHex, publicHex := NewPasetoKeyPairHex()
	iss, err := NewPasetoIssuer(secretHex, issuer, time.Minute)
	if err != nil {
		t.Fatalf("NewPasetoIssuer: %v", err)
	}
	if iss.PublicKeyHex() != publicHex {
		t.Fatalf("public key mismatch")
	}
	ver, err := NewPasetoVerifier(publicHex, issuer, 5*time.Second)
	if err != nil {
		t.Fatalf("NewPasetoVerifier: %v", err)
	}
	return iss, ver
}

func TestPasetoIssueVerify(t *testing.T) {
	t.Parallel()

	iss, ver := newPasetoPair(t, "libris")
	now := time.Now().UTC()

	want := Principal{AccountID: 42, Role: RoleReader}
	tok, exp, err := iss.Issue(want, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("exp=%v want=%v", exp, now.Add(time.Minute))
	}

	got, err := ver.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("Verify()=%+v want=%+v", got, want)
	}
}

func TestPasetoVerify_Rejects(t *testing.T) {
	t.Parallel()

	iss, ver := newPasetoPair(t, "libris")
	_, otherVer := newPasetoPair(t, "libris")
	otherIss, _ := newPasetoPair(t, "someone-else")

	now := time.Now().UTC()
	p := Principal{AccountID: 7, Role: RoleLibrarian}

	good, _, err := iss.Issue(p, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expired, _, err := iss.Issue(p, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Issue expired: %v", err)
	}

	cases := []struct {
		name  string
		ver   *PasetoVerifier
		token string
	}{
		{name: "expired", ver: ver, token: expired},
		{name: "wrong key", ver: otherVer, token: good},
		{name: "garbage", ver: ver, token: "v4.public.not-a-token"},
		{name: "tampered", ver: ver, token: good[:len(good)-4] + "AAAA"},
	}
	for _, tc := range cases {
		if _, err := tc.ver.Verify(tc.token, now); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", tc.name, err)
		}
	}

	// Wrong issuer: token signed by a different issuer name under a different key.
	foreign, _, err := otherIss.Issue(p, now)
	if err != nil {
		t.Fatalf("Issue foreign: %v", err)
	}
	if _, err := ver.Verify(foreign, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign issuer: expected ErrInvalidToken, got %v", err)
	}
}

func TestPasetoVerify_ClockSkewIsSymmetric(t *testing.T) {
	t.Parallel()

	iss, ver := newPasetoPair(t, "libris") // 1m ttl, 5s skew
	issued := time.Now().UTC().Truncate(time.Second)
	p := Principal{AccountID: 42, Role: RoleReader}

	tok, _, err := iss.Issue(p, issued)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name string
		at   time.Time
		ok   bool
	}{
		{name: "just before expiry", at: issued.Add(57 * time.Second), ok: true},
		{name: "expired within skew", at: issued.Add(63 * time.Second), ok: true},
		{name: "expired beyond skew", at: issued.Add(70 * time.Second), ok: false},
		{name: "issued ahead within skew", at: issued.Add(-3 * time.Second), ok: true},
		{name: "issued ahead beyond skew", at: issued.Add(-10 * time.Second), ok: false},
	}
	for _, tc := range cases {
		_, err := ver.Verify(tok, tc.at)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", tc.name, err)
		}
	}
}

func TestJWTIssueVerify(t *testing.T) {
	t.Parallel()

	iss, err := NewJWTIssuer([]byte(testJWTSecret), "libris", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}
	ver, err := NewJWTVerifier([]byte(testJWTSecret), "libris", time.Second)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	want := Principal{AccountID: 7, Role: RoleAssistant}
	tok, _, err := iss.Issue(want, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	got, err := ver.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("Verify()=%+v want=%+v", got, want)
	}

	if _, err := ver.Verify(tok, now.Add(2*time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: expected ErrInvalidToken, got %v", err)
	}

	other, err := NewJWTVerifier([]byte(strings.Repeat("z", 32)), "libris", time.Second)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	if _, err := other.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: expected ErrInvalidToken, got %v", err)
	}

	wrongIss, err := NewJWTVerifier([]byte(testJWTSecret), "not-libris", time.Second)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	if _, err := wrongIss.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: expected ErrInvalidToken, got %v", err)
	}
}

func TestJWT_ShortSecretRejected(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTVerifier([]byte("short"), "libris", 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, err := NewJWTIssuer([]byte("short"), "libris", 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadTokenConfigFromEnv(t *testing.T) {
	_, publicHex := NewPasetoKeyPairHex()

	t.Setenv("LIBRIS_AUTH_TOKEN_FORMAT", "")
	t.Setenv("LIBRIS_AUTH_ISSUER", "")
	t.Setenv("LIBRIS_AUTH_CLOCK_SKEW", "")
	t.Setenv("LIBRIS_JWT_HS256_SECRET", "")
	t.Setenv("LIBRIS_PASETO_V4_PUBLIC_KEY_HEX", "")

	if _, err := LoadTokenConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("missing paseto key: expected ErrConfig, got %v", err)
	}

	t.Setenv("LIBRIS_PASETO_V4_PUBLIC_KEY_HEX", publicHex)
	cfg, err := LoadTokenConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadTokenConfigFromEnv: %v", err)
	}
	if cfg.Format != TokenFormatPaseto || cfg.Issuer != "libris" || cfg.ClockSkew != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := NewVerifier(cfg); err != nil {
		t.Fatalf("NewVerifier(paseto): %v", err)
	}

	t.Setenv("LIBRIS_AUTH_TOKEN_FORMAT", "JWT")
	t.Setenv("LIBRIS_JWT_HS256_SECRET", testJWTSecret)
	t.Setenv("LIBRIS_AUTH_CLOCK_SKEW", "5s")
	cfg, err = LoadTokenConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadTokenConfigFromEnv(jwt): %v", err)
	}
	if cfg.Format != TokenFormatJWT || cfg.ClockSkew != 5*time.Second {
		t.Fatalf("unexpected jwt config: %+v", cfg)
	}
	v, err := NewVerifier(cfg)
	if err != nil {
		t.Fatalf("NewVerifier(jwt): %v", err)
	}
	if _, ok := v.(*JWTVerifier); !ok {
		t.Fatalf("expected *JWTVerifier, got %T", v)
	}

	t.Setenv("LIBRIS_AUTH_TOKEN_FORMAT", "saml")
	if _, err := LoadTokenConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("unknown format: expected ErrConfig, got %v", err)
	}
}

func TestRequestToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "bearer", header: "Bearer abc", want: "abc"},
		{name: "bearer case", header: "bearer  abc ", want: "abc"},
		{name: "basic ignored", header: "Basic abc", want: ""},
		{name: "no space", header: "Bearerabc", want: ""},
		{name: "query fallback", query: "xyz", want: "xyz"},
		{name: "header wins", header: "Bearer abc", query: "xyz", want: "abc"},
		{name: "none", want: ""},
	}

	for _, tc := range cases {
		target := "/ws"
		if tc.query != "" {
			target += "?access_token=" + tc.query
		}
		r := httptest.NewRequest("GET", target, nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := RequestToken(r); got != tc.want {
			t.Fatalf("%s: RequestToken()=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	iss, ver := newPasetoPair(t, "libris")
	now := time.Now().UTC()

	r := httptest.NewRequest("GET", "/api/chat/conversations", nil)
	if _, err := Authenticate(ver, r, now); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	tok, _, err := iss.Issue(Principal{AccountID: 42, Role: RoleReader}, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	p, err := Authenticate(ver, r, now)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.AccountID != 42 || p.Role != RoleReader {
		t.Fatalf("unexpected principal: %+v", p)
	}
}
