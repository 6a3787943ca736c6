package chat

import (
	"fmt"
	"strings"

	"libris/cmd/internal/identity"
)

// StaffPolicy is the configured closed set of staff-equivalent roles.
type StaffPolicy struct {
	roles map[identity.Role]struct{}
}

// DefaultStaffRoles is used when no roles are configured.
var DefaultStaffRoles = []identity.Role{identity.RoleAdmin, identity.RoleLibrarian, identity.RoleAssistant}

// NewStaffPolicy builds a policy from role names. Reader can never be staff.
// An empty list selects DefaultStaffRoles.
func NewStaffPolicy(names ...string) (StaffPolicy, error) {
	p := StaffPolicy{roles: make(map[identity.Role]struct{}, len(DefaultStaffRoles))}
	if len(names) == 0 {
		for _, r := range DefaultStaffRoles {
			p.roles[r] = struct{}{}
		}
		return p, nil
	}
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		r, err := identity.ParseRole(n)
		if err != nil {
			return StaffPolicy{}, err
		}
		if r == identity.RoleReader {
			return StaffPolicy{}, fmt.Errorf("chat: role %q cannot be staff", r)
		}
		p.roles[r] = struct{}{}
	}
	if len(p.roles) == 0 {
		return StaffPolicy{}, fmt.Errorf("chat: empty staff role set")
	}
	return p, nil
}

// MustStaffPolicy is NewStaffPolicy for static role lists.
func MustStaffPolicy(names ...string) StaffPolicy {
	p, err := NewStaffPolicy(names...)
	if err != nil {
		panic(err)
	}
	return p
}

// IsStaff reports whether role is staff-equivalent.
func (p StaffPolicy) IsStaff(role identity.Role) bool {
	_, ok := p.roles[role]
	return ok
}

// SenderKindFor resolves the message origin tag for role.
func (p StaffPolicy) SenderKindFor(role identity.Role) SenderKind {
	if p.IsStaff(role) {
		return SenderStaff
	}
	return SenderReader
}
