package identity

import (
	"context"
	"testing"
)

func TestParseRole(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "Reader", want: RoleReader},
		{in: "admin", want: RoleAdmin},
		{in: " LIBRARIAN ", want: RoleLibrarian},
		{in: "assistant", want: RoleAssistant},
		{in: "janitor", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRole(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseRole(%q)=%q,%v want=%q", tc.in, got, err, tc.want)
		}
	}
}

func TestPrincipalValid(t *testing.T) {
	t.Parallel()

	if !(Principal{AccountID: 42, Role: RoleReader}).Valid() {
		t.Fatalf("expected reader principal to be valid")
	}
	if (Principal{AccountID: 0, Role: RoleReader}).Valid() {
		t.Fatalf("expected zero account id to be invalid")
	}
	if (Principal{AccountID: 7, Role: "Owner"}).Valid() {
		t.Fatalf("expected unknown role to be invalid")
	}
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatalf("expected no principal in empty context")
	}

	want := Principal{AccountID: 7, Role: RoleLibrarian}
	got, ok := PrincipalFrom(WithPrincipal(context.Background(), want))
	if !ok || got != want {
		t.Fatalf("PrincipalFrom()=%+v,%v want=%+v", got, ok, want)
	}
}
