// Package rbac evaluates role and permission requirements against a resolved organization context.
// Checks never consult storage: everything they need is on the context.
package rbac

import (
	"context"
	"strings"

	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/tenancy"
)

// Mode combines the permissions of a Requirement.
type Mode int

const (
	// ModeAll requires every listed permission.
	ModeAll Mode = iota
	// ModeAny requires at least one listed permission.
	ModeAny
)

// Requirement is what a handler needs from the caller. Zero fields are not checked.
type Requirement struct {
	MinRole     domain.Role
	Permissions []domain.Permission
	Mode        Mode
}

// AtLeast requires role or higher.
func AtLeast(role domain.Role) Requirement { return Requirement{MinRole: role} }

// AllOf requires every one of perms.
func AllOf(perms ...domain.Permission) Requirement {
	return Requirement{Permissions: perms, Mode: ModeAll}
}

// AnyOf requires at least one of perms.
func AnyOf(perms ...domain.Permission) Requirement {
	return Requirement{Permissions: perms, Mode: ModeAny}
}

// String renders r for audit records, e.g. "role>=admin all(billing:read,data:export)".
func (r Requirement) String() string {
	var parts []string
	if r.MinRole != "" {
		parts = append(parts, "role>="+string(r.MinRole))
	}
	if len(r.Permissions) > 0 {
		ps := make([]string, len(r.Permissions))
		for i, p := range r.Permissions {
			ps[i] = string(p)
		}
		mode := "all"
		if r.Mode == ModeAny {
			mode = "any"
		}
		parts = append(parts, mode+"("+strings.Join(ps, ",")+")")
	}
	if len(parts) == 0 {
		return "member"
	}
	return strings.Join(parts, " ")
}

// Check returns nil when oc satisfies r, errs.ErrNoTenant when there is no resolved organization,
// and errs.ErrForbidden otherwise.
func Check(oc tenancy.OrganizationContext, r Requirement) error {
	if oc.IsZero() {
		return errs.ErrNoTenant
	}
	if r.MinRole != "" && !oc.HasAtLeastRole(r.MinRole) {
		return errs.ErrForbidden
	}
	if len(r.Permissions) == 0 {
		return nil
	}
	ok := oc.HasAll(r.Permissions...)
	if r.Mode == ModeAny {
		ok = oc.HasAny(r.Permissions...)
	}
	if !ok {
		return errs.ErrForbidden
	}
	return nil
}

// Require reads the organization context from ctx and checks r. With no authenticated caller it
// returns errs.ErrUnauthenticated.
func Require(ctx context.Context, r Requirement) (tenancy.OrganizationContext, error) {
	oc, ok := tenancy.FromContext(ctx)
	if !ok {
		if _, authed := tenancy.CallerFrom(ctx); !authed {
			return tenancy.OrganizationContext{}, errs.ErrUnauthenticated
		}
		return tenancy.OrganizationContext{}, errs.ErrNoTenant
	}
	if err := Check(oc, r); err != nil {
		return tenancy.OrganizationContext{}, err
	}
	return oc, nil
}
