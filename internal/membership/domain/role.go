package domain

import (
	"fmt"
	"strings"
)

// Role is a membership role. Roles form a total order: owner > admin > staff > viewer.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleStaff  Role = "staff"
	RoleViewer Role = "viewer"
)

// Roles lists every role from most to least privileged.
var Roles = []Role{RoleOwner, RoleAdmin, RoleStaff, RoleViewer}

// Rank returns the position of r in the role order; higher is more privileged.
// Unknown roles rank 0, below viewer.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleStaff:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool { return r.Rank() > 0 }

// HasAtLeastRole reports whether role is ranked at or above required.
// An unknown role never satisfies any requirement.
func HasAtLeastRole(role, required Role) bool {
	if !role.Valid() || !required.Valid() {
		return false
	}
	return role.Rank() >= required.Rank()
}

// ParseRole parses a local role name ("owner", "admin", "staff", "viewer").
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// RoleFromProvider maps an identity-provider role key (e.g. "org:admin", "basic_member") onto a local role.
// ok is false when the key is not recognised; callers then apply their default role.
func RoleFromProvider(key string) (role Role, ok bool) {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "org:")
	switch k {
	case "owner":
		return RoleOwner, true
	case "admin":
		return RoleAdmin, true
	case "member", "staff":
		return RoleStaff, true
	case "viewer", "basic_member", "guest":
		return RoleViewer, true
	}
	return "", false
}
