package domain

import (
	"fmt"
	"sort"
)

// Permission is a fine-grained capability checked by the enforcement middleware.
type Permission string

const (
	PermPatientsRead       Permission = "patients:read"
	PermPatientsWrite      Permission = "patients:write"
	PermConversationsRead  Permission = "conversations:read"
	PermConversationsWrite Permission = "conversations:write"
	PermMessagesSend       Permission = "messages:send"
	PermMembersRead        Permission = "members:read"
	PermMembersManage      Permission = "members:manage"
	PermBillingRead        Permission = "billing:read"
	PermBillingManage      Permission = "billing:manage"
	PermDataExport         Permission = "data:export"
	PermAuditRead          Permission = "audit:read"
	PermOrgManage          Permission = "org:manage"
)

var allPermissions = map[Permission]struct{}{
	PermPatientsRead: {}, PermPatientsWrite: {}, PermConversationsRead: {}, PermConversationsWrite: {},
	PermMessagesSend: {}, PermMembersRead: {}, PermMembersManage: {}, PermBillingRead: {},
	PermBillingManage: {}, PermDataExport: {}, PermAuditRead: {}, PermOrgManage: {},
}

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	_, ok := allPermissions[p]
	return ok
}

// ParsePermission returns p as a Permission or an error if it is unknown.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

var (
	viewerPerms = []Permission{PermPatientsRead, PermConversationsRead, PermMembersRead}
	staffPerms  = append(append([]Permission{}, viewerPerms...), PermPatientsWrite, PermConversationsWrite, PermMessagesSend)
	adminPerms  = append(append([]Permission{}, staffPerms...), PermMembersManage, PermBillingRead, PermDataExport, PermAuditRead)
	ownerPerms  = append(append([]Permission{}, adminPerms...), PermBillingManage, PermOrgManage)
)

// DefaultPermissions returns a fresh set of the permissions granted by role before overrides.
// Each higher role grants a superset of the roles below it.
func DefaultPermissions(role Role) PermissionSet {
	switch role {
	case RoleOwner:
		return NewPermissionSet(ownerPerms...)
	case RoleAdmin:
		return NewPermissionSet(adminPerms...)
	case RoleStaff:
		return NewPermissionSet(staffPerms...)
	case RoleViewer:
		return NewPermissionSet(viewerPerms...)
	default:
		return PermissionSet{}
	}
}

// PermissionSet is an immutable-by-convention set of permissions. Copy before mutating a shared value.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in s.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAll reports whether every perm is in s. An empty list is trivially satisfied.
func (s PermissionSet) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one perm is in s. An empty list is trivially satisfied.
func (s PermissionSet) HasAny(perms ...Permission) bool {
	if len(perms) == 0 {
		return true
	}
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of s.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the permissions in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
