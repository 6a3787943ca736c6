// Package identity models the authenticated caller of the chat service.
//
// Accounts, roles and token issuance are owned by the wider library application. This package only
// verifies access tokens, carries the resulting Principal through request contexts, and resolves
// account display names for staff views.
package identity

import (
	"context"
	"fmt"
	"strings"
)

// Role is the account role claimed by an access token.
type Role string

const (
	RoleReader    Role = "Reader"
	RoleAdmin     Role = "Admin"
	RoleLibrarian Role = "Librarian"
	RoleAssistant Role = "Assistant"
)

var knownRoles = []Role{RoleReader, RoleAdmin, RoleLibrarian, RoleAssistant}

// ParseRole matches s case-insensitively against the known roles.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	for _, r := range knownRoles {
		if strings.EqualFold(s, string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("identity: unknown role %q", s)
}

// Principal is the verified caller of an HTTP request or websocket session.
type Principal struct {
	AccountID int64
	Role      Role
}

// Valid reports whether p carries a usable account id and a known role.
func (p Principal) Valid() bool {
	if p.AccountID <= 0 {
		return false
	}
	_, err := ParseRole(string(p.Role))
	return err == nil
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the Principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
