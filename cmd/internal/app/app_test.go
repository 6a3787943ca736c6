package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"libris/cmd/internal/identity"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://libris.example.com", want: "wss://libris.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newInMemoryApp(t *testing.T) (*App, *identity.JWTIssuer) {
	t.Helper()

	cfg := validSecurityConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.MetricsEnabled = true
	cfg.ChatPublishTimeout = time.Second

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeResources)

	iss, err := identity.NewJWTIssuer([]byte(cfg.Token.JWTSecret), cfg.Token.Issuer, time.Hour)
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}
	return a, iss
}

func TestApp_InMemoryWiring(t *testing.T) {
	t.Parallel()

	a, iss := newInMemoryApp(t)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	get := func(path, token string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { _ = res.Body.Close() })
		return res
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if res := get(path, ""); res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status=%d want 200", path, res.StatusCode)
		}
	}

	if res := get("/api/chat/conversations/me", ""); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status=%d want 401", res.StatusCode)
	}

	token, _, err := iss.Issue(identity.Principal{AccountID: 42, Role: identity.RoleReader}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	res := get("/api/chat/conversations/me", token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reader status=%d want 200", res.StatusCode)
	}
	if res.Header.Get(requestIDHeader) == "" {
		t.Fatalf("missing %s header", requestIDHeader)
	}
	if res.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers not applied")
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	a, _ := newInMemoryApp(t)
	a.cfg.ReadinessRequireDB = true

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, _ := newInMemoryApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
