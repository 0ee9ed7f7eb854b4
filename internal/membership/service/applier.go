package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tenant-control-plane/internal/db"
	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/membership/repository"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/policy/engine"
)

// Outcome classifies what Apply did to the stored membership.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
)

// Changed reports whether the outcome wrote the row.
func (o Outcome) Changed() bool {
	return o == OutcomeCreated || o == OutcomeUpdated || o == OutcomeDeleted
}

// Change is the desired state of one (identity, organization) membership.
type Change struct {
	IdentityID string
	OrgID      string
	// Role is the requested role. Empty keeps the stored role, or lets the bootstrap policy decide on creation.
	Role domain.Role
	// Status defaults to active.
	Status domain.Status
	// Overrides replaces the stored overrides when non-nil.
	Overrides *domain.PermissionOverrides
	// Invitation replaces the stored invitation when non-nil.
	Invitation      *domain.Invitation
	Source          domain.Source
	SourceUpdatedAt time.Time
}

// RepoFactory builds a membership repository over a bound querier.
type RepoFactory func(q rls.Querier) repository.Repository

// PostgresRepos is the RepoFactory used outside tests.
func PostgresRepos(q rls.Querier) repository.Repository {
	return repository.NewPostgresRepository(q)
}

// Applier is the idempotent create-or-update primitive shared by identity sync and the admin surface.
type Applier struct {
	repos  RepoFactory
	policy engine.Evaluator
	now    func() time.Time
	newID  func() string
}

// NewApplier returns an Applier that decides roles of new memberships with policy.
func NewApplier(repos RepoFactory, policy engine.Evaluator) *Applier {
	return &Applier{
		repos:  repos,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Repos returns the repository for q.
func (a *Applier) Repos(q rls.Querier) repository.Repository { return a.repos(q) }

// Apply converges the stored membership towards c. It must run inside a transaction on q.
//
// An older SourceUpdatedAt than the stored one is skipped (OutcomeStale). A change equal to the stored
// state only refreshes synced_at (OutcomeUnchanged). New memberships get their role from the bootstrap
// policy, which sees the live member count under the per-organization lock; a first-member grant is
// kept as a floor for later non-administrative updates. A deleted change with no
// stored row leaves a tombstone so older creations arriving later stay stale.
func (a *Applier) Apply(ctx context.Context, q rls.Querier, c Change) (*domain.Membership, Outcome, error) {
	if err := c.validate(); err != nil {
		return nil, "", err
	}
	status := c.Status
	if status == "" {
		status = domain.StatusActive
	}
	repo := a.repos(q)
	if err := repo.LockOrg(ctx, c.OrgID); err != nil {
		return nil, "", db.ClassifyConflict(fmt.Errorf("lock org: %w", err))
	}
	cur, err := repo.GetByIdentityAndOrg(ctx, c.IdentityID, c.OrgID, true)
	if err != nil {
		return nil, "", db.ClassifyConflict(fmt.Errorf("load membership: %w", err))
	}
	if cur != nil && cur.SourceUpdatedAt.After(c.SourceUpdatedAt) {
		return cur, OutcomeStale, nil
	}

	now := a.now()
	next := &domain.Membership{
		ID:              a.newID(),
		IdentityID:      c.IdentityID,
		OrgID:           c.OrgID,
		Status:          status,
		Source:          c.Source,
		SourceUpdatedAt: c.SourceUpdatedAt,
		SyncedAt:        now,
	}
	creating := cur == nil || (cur.Status == domain.StatusDeleted && status != domain.StatusDeleted)
	switch {
	case status == domain.StatusDeleted:
		next.Role = c.Role
		if cur != nil {
			next.Role, next.BootstrapRole = cur.Role, cur.BootstrapRole
		}
		if !next.Role.Valid() {
			next.Role = domain.RoleViewer
		}
		next.Scrub(now)
	case creating:
		live, err := repo.CountLiveByOrg(ctx, c.OrgID)
		if err != nil {
			return nil, "", db.ClassifyConflict(fmt.Errorf("count members: %w", err))
		}
		d, err := a.policy.DecideBootstrap(ctx, engine.BootstrapInput{Source: c.Source, LiveMembers: live, RequestedRole: c.Role})
		if err != nil {
			return nil, "", fmt.Errorf("bootstrap role: %w", err)
		}
		next.Role, next.BootstrapRole = d.Role, d.Floor
		if c.Overrides != nil {
			next.Overrides = *c.Overrides
		}
		next.Invitation = c.Invitation
	default:
		next.Role, next.Overrides, next.Invitation = cur.Role, cur.Overrides, cur.Invitation
		next.BootstrapRole = cur.BootstrapRole
		if c.Role != "" {
			next.Role = c.Role
		}
		// An administrator's explicit role replaces the first-member grant; other sources are held to it,
		// so the grant survives whichever order creation and update events arrive in.
		if c.Source == domain.SourceAdmin && c.Role != "" {
			next.BootstrapRole = ""
		} else {
			next.Role = cur.AtLeastBootstrap(next.Role)
		}
		if c.Overrides != nil {
			next.Overrides = *c.Overrides
		}
		if c.Invitation != nil {
			next.Invitation = c.Invitation
		}
	}
	if cur != nil {
		next.ID = cur.ID
		if cur.SameState(next) {
			if err := repo.TouchSynced(ctx, cur.ID, now); err != nil {
				return nil, "", db.ClassifyConflict(fmt.Errorf("touch membership: %w", err))
			}
			cur.SyncedAt = now
			return cur, OutcomeUnchanged, nil
		}
	}

	saved, err := repo.Upsert(ctx, next)
	if errors.Is(err, repository.ErrStale) {
		return cur, OutcomeStale, nil
	}
	if err != nil {
		return nil, "", db.ClassifyConflict(fmt.Errorf("upsert membership: %w", err))
	}
	switch {
	case status == domain.StatusDeleted:
		return saved, OutcomeDeleted, nil
	case creating:
		return saved, OutcomeCreated, nil
	default:
		return saved, OutcomeUpdated, nil
	}
}

func (c Change) validate() error {
	if c.IdentityID == "" || c.OrgID == "" {
		return fmt.Errorf("%w: identity and organization are required", errs.ErrInvalidArgument)
	}
	if c.Role != "" && !c.Role.Valid() {
		return fmt.Errorf("%w: role %q", errs.ErrInvalidArgument, c.Role)
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("%w: status %q", errs.ErrInvalidArgument, c.Status)
	}
	if c.Overrides != nil {
		if err := c.Overrides.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
	}
	return nil
}
