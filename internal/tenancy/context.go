// Package tenancy resolves an authenticated caller into the organization it acts in.
package tenancy

import (
	"context"

	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/membership/domain"
	orgdomain "tenant-control-plane/internal/organization/domain"
)

// OrganizationContext is the request-scoped result of resolution. It is immutable: accessors return
// copies and there are no setters. The zero value carries no organization.
type OrganizationContext struct {
	identityID   string
	sessionID    string
	membershipID string
	orgID        string
	orgName      string
	orgStatus    orgdomain.OrgStatus
	role         domain.Role
	permissions  domain.PermissionSet
}

// NewOrganizationContext builds the context for identityID acting through m in org.
func NewOrganizationContext(identityID string, m *domain.Membership, org *orgdomain.Org) OrganizationContext {
	oc := OrganizationContext{
		identityID:   identityID,
		membershipID: m.ID,
		orgID:        m.OrgID,
		role:         m.Role,
		permissions:  m.Permissions(),
	}
	if org != nil {
		oc.orgName, oc.orgStatus = org.Name, org.Status
	}
	return oc
}

// WithSession returns a copy of c attributed to sessionID.
func (c OrganizationContext) WithSession(sessionID string) OrganizationContext {
	c.sessionID = sessionID
	c.permissions = c.permissions.Clone()
	return c
}

func (c OrganizationContext) IdentityID() string             { return c.identityID }
func (c OrganizationContext) SessionID() string              { return c.sessionID }
func (c OrganizationContext) MembershipID() string           { return c.membershipID }
func (c OrganizationContext) OrgID() string                  { return c.orgID }
func (c OrganizationContext) OrgName() string                { return c.orgName }
func (c OrganizationContext) OrgStatus() orgdomain.OrgStatus { return c.orgStatus }
func (c OrganizationContext) Role() domain.Role              { return c.role }

// IsZero reports whether c carries no organization.
func (c OrganizationContext) IsZero() bool { return c.orgID == "" }

// Permissions returns the resolved permissions, sorted.
func (c OrganizationContext) Permissions() []domain.Permission { return c.permissions.Sorted() }

// Has reports whether p is granted.
func (c OrganizationContext) Has(p domain.Permission) bool { return c.permissions.Has(p) }

// HasAll reports whether every one of perms is granted.
func (c OrganizationContext) HasAll(perms ...domain.Permission) bool { return c.permissions.HasAll(perms...) }

// HasAny reports whether at least one of perms is granted.
func (c OrganizationContext) HasAny(perms ...domain.Permission) bool { return c.permissions.HasAny(perms...) }

// HasAtLeastRole reports whether the caller's role ranks at or above required.
func (c OrganizationContext) HasAtLeastRole(required domain.Role) bool {
	return domain.HasAtLeastRole(c.role, required)
}

// StorageScope binds the caller identity and organization to storage sessions.
func (c OrganizationContext) StorageScope() rls.Scope {
	return rls.Scope{IdentityID: c.identityID, OrgID: c.orgID}
}

// Caller is an authenticated identity before organization resolution.
type Caller struct {
	IdentityID string
	SessionID  string
}

type callerKey struct{}

type orgKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok && c.IdentityID != ""
}

// WithOrganization returns ctx carrying oc.
func WithOrganization(ctx context.Context, oc OrganizationContext) context.Context {
	return context.WithValue(ctx, orgKey{}, oc)
}

// FromContext returns the resolved organization context, if any.
func FromContext(ctx context.Context) (OrganizationContext, bool) {
	oc, ok := ctx.Value(orgKey{}).(OrganizationContext)
	return oc, ok && !oc.IsZero()
}
