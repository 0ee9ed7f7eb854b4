package domain

import (
	"time"
)

// Status is the lifecycle state of a membership.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// Invitation is the contact metadata recorded when a membership was created by invitation.
// It is scrubbed when the membership is deleted.
type Invitation struct {
	Email     string    `json:"email,omitempty"`
	InvitedBy string    `json:"invited_by,omitempty"`
	InvitedAt time.Time `json:"invited_at,omitempty"`
}

// Source identifies which path last wrote a membership.
type Source string

const (
	SourceIdentityProvider Source = "identity_provider"
	SourceAdmin            Source = "admin"
	SourceBootstrap        Source = "bootstrap"
)

// Membership binds one identity to one organization with a role and status.
// (IdentityID, OrgID) is unique; updates happen in place.
type Membership struct {
	ID              string
	IdentityID      string
	OrgID           string
	Role            Role
	Status          Status
	Overrides       PermissionOverrides
	Invitation      *Invitation
	// BootstrapRole is the role the first-member rule granted, or empty. Provider updates never
	// lower Role below it; an administrative change clears it.
	BootstrapRole   Role
	LastActiveAt    *time.Time
	Source          Source
	SourceUpdatedAt time.Time
	SyncedAt        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether m grants access (subject to its organization being active).
func (m *Membership) IsActive() bool {
	return m != nil && m.Status == StatusActive
}

// Permissions returns the resolved permission set of m.
func (m *Membership) Permissions() PermissionSet {
	return ResolvePermissions(m.Role, m.Overrides)
}

// Scrub clears contact and invitation data and marks m deleted at t.
func (m *Membership) Scrub(t time.Time) {
	m.Status = StatusDeleted
	m.Invitation = nil
	m.Overrides = PermissionOverrides{}
	m.UpdatedAt = t
}

// SameState reports whether m and other carry the same role, bootstrap floor, status and overrides.
// Timestamps and ids are ignored.
func (m *Membership) SameState(other *Membership) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Role == other.Role && m.BootstrapRole == other.BootstrapRole &&
		m.Status == other.Status && m.Overrides.Equal(other.Overrides)
}

// AtLeastBootstrap returns role raised to m's bootstrap floor when the floor outranks it.
func (m *Membership) AtLeastBootstrap(role Role) Role {
	if m != nil && m.BootstrapRole.Valid() && !HasAtLeastRole(role, m.BootstrapRole) {
		return m.BootstrapRole
	}
	return role
}
