package engine

import (
	"context"

	"tenant-control-plane/internal/membership/domain"
)

// BootstrapInput describes a membership about to be created.
type BootstrapInput struct {
	// Source is the write path creating the membership (identity_provider, admin, bootstrap).
	Source domain.Source
	// LiveMembers is the number of non-deleted memberships the organization already has.
	LiveMembers int64
	// RequestedRole is the role the source asked for; empty when the source carried none or an unknown one.
	RequestedRole domain.Role
}

// BootstrapDecision is the role a new membership receives.
type BootstrapDecision struct {
	// FirstMember is true when the first-member rule applied.
	FirstMember bool
	Role        domain.Role
	// Floor is the role the first-member rule guarantees for the membership's lifetime. Empty unless
	// FirstMember is set.
	Floor domain.Role
}

// BootstrapConfig parameterises the default policy.
type BootstrapConfig struct {
	// FirstMemberRole is granted to the first member of an organization created through one of Sources.
	FirstMemberRole domain.Role
	// DefaultRole is used when the source carries no role.
	DefaultRole domain.Role
	// Sources lists the write paths the first-member rule applies to.
	Sources []domain.Source
}

// Evaluator decides the role of newly created memberships.
type Evaluator interface {
	DecideBootstrap(ctx context.Context, in BootstrapInput) (BootstrapDecision, error)
}
