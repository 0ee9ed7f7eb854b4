package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/platform/errs"
)

// Principal is a resolved caller acting inside one organization.
type Principal interface {
	rls.Scoped
	IdentityID() string
	OrgID() string
	Role() domain.Role
}

// Actor performs administrative changes. Member actors run under their own storage scope;
// system actors (the admin CLI) run under system bypass and act with owner rank.
type Actor struct {
	ID    string
	OrgID string
	Role  domain.Role
	scope rls.Scoped
}

// MemberActor returns the actor for a resolved caller.
func MemberActor(p Principal) Actor {
	return Actor{ID: p.IdentityID(), OrgID: p.OrgID(), Role: p.Role(), scope: p}
}

// SystemActor returns an owner-ranked actor attributed to job, acting on orgID.
func SystemActor(job, orgID string) Actor {
	return Actor{ID: "system:" + job, OrgID: orgID, Role: domain.RoleOwner}
}

// IsSystem reports whether the actor runs under system bypass.
func (a Actor) IsSystem() bool { return a.scope == nil }

// TxRunner runs fn in one transaction on a session bound for actor.
type TxRunner interface {
	InTx(ctx context.Context, actor Actor, fn rls.TxFunc) error
}

// BinderRunner binds member actors with Binder and system actors with System. Either may be nil
// when the process never serves that kind of actor.
type BinderRunner struct {
	Binder *rls.Binder
	System *rls.SystemBinder
}

func (r BinderRunner) InTx(ctx context.Context, actor Actor, fn rls.TxFunc) error {
	if !actor.IsSystem() {
		if r.Binder == nil {
			return errors.New("membership: no scoped binder configured")
		}
		return r.Binder.InTx(ctx, actor.scope, nil, fn)
	}
	if r.System == nil {
		return errs.ErrBypassMisuse
	}
	return r.System.InTx(ctx, nil, fn)
}

// Patch is an administrative change to one member. Zero fields are left as stored.
type Patch struct {
	Role      domain.Role
	Status    domain.Status
	Overrides *domain.PermissionOverrides
	Remove    bool
}

func (p Patch) operation() string {
	switch {
	case p.Remove:
		return "remove"
	case p.Role != "" && p.Status == "" && p.Overrides == nil:
		return "update_role"
	case p.Status != "" && p.Role == "" && p.Overrides == nil:
		return "update_status"
	case p.Overrides != nil && p.Role == "" && p.Status == "":
		return "update_overrides"
	}
	return "update"
}

func (p Patch) validate() error {
	if p.Remove {
		if p.Role != "" || p.Status != "" || p.Overrides != nil {
			return fmt.Errorf("%w: remove cannot be combined with other changes", errs.ErrInvalidArgument)
		}
		return nil
	}
	if p.Role == "" && p.Status == "" && p.Overrides == nil {
		return fmt.Errorf("%w: empty change", errs.ErrInvalidArgument)
	}
	if p.Role != "" && !p.Role.Valid() {
		return fmt.Errorf("%w: role %q", errs.ErrInvalidArgument, p.Role)
	}
	if p.Status != "" && p.Status != domain.StatusActive && p.Status != domain.StatusSuspended {
		return fmt.Errorf("%w: status %q", errs.ErrInvalidArgument, p.Status)
	}
	if p.Overrides != nil {
		if err := p.Overrides.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
		}
	}
	return nil
}

// BulkItem is one entry of a bulk change.
type BulkItem struct {
	IdentityID string
	Patch
}

// BulkResult is the per-item result of Bulk.
type BulkResult struct {
	IdentityID string
	Membership *domain.Membership
	Err        error
}

// Service is the administrative override surface over memberships.
type Service struct {
	runner  TxRunner
	applier *Applier
	sink    audit.Sink
	log     *zap.Logger
}

// NewService returns a Service. Every mutating call writes exactly one admin_override record to sink.
func NewService(runner TxRunner, applier *Applier, sink audit.Sink, log *zap.Logger) *Service {
	return &Service{runner: runner, applier: applier, sink: sink, log: logger.OrNop(log)}
}

// List returns the live members of the actor's organization.
func (s *Service) List(ctx context.Context, actor Actor) ([]*domain.Membership, error) {
	var out []*domain.Membership
	err := s.runner.InTx(ctx, actor, func(ctx context.Context, q rls.Querier) error {
		var err error
		out, err = s.applier.Repos(q).ListByOrg(ctx, actor.OrgID)
		return err
	})
	return out, err
}

// UpdateRole sets the role of identityID in the actor's organization.
func (s *Service) UpdateRole(ctx context.Context, actor Actor, identityID string, role domain.Role) (*domain.Membership, error) {
	return s.Update(ctx, actor, identityID, Patch{Role: role})
}

// UpdateStatus suspends or reactivates identityID in the actor's organization.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, identityID string, status domain.Status) (*domain.Membership, error) {
	return s.Update(ctx, actor, identityID, Patch{Status: status})
}

// UpdateOverrides replaces the permission overrides of identityID.
func (s *Service) UpdateOverrides(ctx context.Context, actor Actor, identityID string, o domain.PermissionOverrides) (*domain.Membership, error) {
	return s.Update(ctx, actor, identityID, Patch{Overrides: &o})
}

// Remove soft-deletes the membership of identityID.
func (s *Service) Remove(ctx context.Context, actor Actor, identityID string) error {
	_, err := s.Update(ctx, actor, identityID, Patch{Remove: true})
	return err
}

// Bulk applies items one by one, each in its own transaction with its own audit record.
// A failing item does not stop the rest.
func (s *Service) Bulk(ctx context.Context, actor Actor, items []BulkItem) []BulkResult {
	out := make([]BulkResult, 0, len(items))
	for _, it := range items {
		m, err := s.Update(ctx, actor, it.IdentityID, it.Patch)
		out = append(out, BulkResult{IdentityID: it.IdentityID, Membership: m, Err: err})
	}
	return out
}

// Update applies p to identityID under the rank guards: the actor cannot touch a member ranked above
// itself, cannot grant a role above its own, and the last active owner cannot be demoted, suspended
// or removed.
func (s *Service) Update(ctx context.Context, actor Actor, identityID string, p Patch) (*domain.Membership, error) {
	ctx, sc := audit.WithScope(ctx)
	var (
		saved   *domain.Membership
		outcome Outcome
	)
	err := p.validate()
	if err == nil && identityID == "" {
		err = fmt.Errorf("%w: identity is required", errs.ErrInvalidArgument)
	}
	if err == nil {
		err = s.runner.InTx(ctx, actor, func(ctx context.Context, q rls.Querier) error {
			repo := s.applier.Repos(q)
			if err := repo.LockOrg(ctx, actor.OrgID); err != nil {
				return err
			}
			cur, err := repo.GetByIdentityAndOrg(ctx, identityID, actor.OrgID, true)
			if err != nil {
				return err
			}
			if cur == nil || cur.Status == domain.StatusDeleted {
				return fmt.Errorf("member: %w", errs.ErrNotFound)
			}
			if err := s.guard(ctx, actor, cur, p, repo.CountActiveOwnersByOrg); err != nil {
				return err
			}
			saved, outcome, err = s.applier.Apply(ctx, q, s.change(cur, p))
			return err
		})
	}
	s.record(ctx, sc, actor, identityID, p, saved, outcome, err)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Service) guard(ctx context.Context, actor Actor, cur *domain.Membership, p Patch,
	countOwners func(context.Context, string) (int64, error)) error {
	if !domain.HasAtLeastRole(actor.Role, cur.Role) {
		return fmt.Errorf("member outranks actor: %w", errs.ErrForbidden)
	}
	if p.Role != "" && !domain.HasAtLeastRole(actor.Role, p.Role) {
		return fmt.Errorf("role above actor: %w", errs.ErrForbidden)
	}
	if cur.Role != domain.RoleOwner || cur.Status != domain.StatusActive {
		return nil
	}
	demoted := p.Role != "" && p.Role != domain.RoleOwner
	leaving := p.Remove || (p.Status != "" && p.Status != domain.StatusActive)
	if !demoted && !leaving {
		return nil
	}
	n, err := countOwners(ctx, cur.OrgID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return fmt.Errorf("last active owner: %w", errs.ErrForbidden)
	}
	return nil
}

// change turns p into an Apply change. Admin writes are stamped with the current time, never earlier
// than the stored source timestamp, so they always apply.
func (s *Service) change(cur *domain.Membership, p Patch) Change {
	at := s.applier.now()
	if cur.SourceUpdatedAt.After(at) {
		at = cur.SourceUpdatedAt
	}
	c := Change{
		IdentityID:      cur.IdentityID,
		OrgID:           cur.OrgID,
		Role:            p.Role,
		Status:          cur.Status,
		Overrides:       p.Overrides,
		Source:          domain.SourceAdmin,
		SourceUpdatedAt: at,
	}
	if p.Status != "" {
		c.Status = p.Status
	}
	if p.Remove {
		c.Status = domain.StatusDeleted
	}
	return c
}

func (s *Service) record(ctx context.Context, sc *audit.Scope, actor Actor, identityID string, p Patch,
	m *domain.Membership, outcome Outcome, err error) {
	entityID := identityID
	if m != nil {
		entityID = m.ID
	}
	rec := audit.New(audit.EventAdminOverride, audit.EntityMembership, entityID, actor.OrgID)
	rec.Actor = actor.ID
	rec.Success = err == nil
	rec.Metadata = map[string]string{"operation": p.operation(), "identity_id": identityID}
	if p.Role != "" {
		rec.Metadata["role"] = string(p.Role)
	}
	if p.Status != "" {
		rec.Metadata["status"] = string(p.Status)
	}
	if outcome != "" {
		rec.Metadata["outcome"] = string(outcome)
	}
	if err != nil {
		rec.Reason = errs.Code(err)
	}
	sc.Annotate(rec)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := s.sink.Append(cctx, rec); aerr != nil {
		s.log.Error("membership: audit admin override", zap.String("operation", p.operation()), zap.Error(aerr))
	}
}
