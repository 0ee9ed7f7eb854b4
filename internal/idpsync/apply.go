package idpsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tenant-control-plane/internal/db"
	"tenant-control-plane/internal/db/rls"
	identitydomain "tenant-control-plane/internal/identity/domain"
	identityrepo "tenant-control-plane/internal/identity/repository"
	memberdomain "tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/membership/service"
	orgdomain "tenant-control-plane/internal/organization/domain"
	orgrepo "tenant-control-plane/internal/organization/repository"
)

var txOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// apply runs one attempt in a single bypass transaction.
func (s *Synchronizer) apply(ctx context.Context, ev Event) (Result, error) {
	var res Result
	err := s.runner.InTx(ctx, txOptions, func(ctx context.Context, q rls.Querier) error {
		var err error
		switch e := ev.(type) {
		case IdentityUpserted:
			res, err = s.applyIdentityUpserted(ctx, q, e)
		case IdentityDeleted:
			res, err = s.applyIdentityDeleted(ctx, q, e)
		case OrganizationUpserted:
			res, err = s.applyOrganizationUpserted(ctx, q, e)
		case OrganizationDeleted:
			res, err = s.applyOrganizationDeleted(ctx, q, e)
		case MembershipUpserted:
			res, err = s.applyMembershipUpserted(ctx, q, e)
		case MembershipDeleted:
			res, err = s.applyMembershipDeleted(ctx, q, e)
		default:
			return fmt.Errorf("idpsync: unsupported event %T", ev)
		}
		return err
	})
	return res, db.ClassifyConflict(err)
}

func (s *Synchronizer) applyIdentityUpserted(ctx context.Context, q rls.Querier, e IdentityUpserted) (Result, error) {
	repo := s.stores.Identities(q)
	cur, err := repo.GetByID(ctx, e.IdentityID)
	if err != nil {
		return Result{}, fmt.Errorf("load identity: %w", err)
	}
	if cur != nil && cur.SourceUpdatedAt.After(e.UpdatedAt) {
		return skipped(ActionStale), nil
	}
	now := s.now()
	next := &identitydomain.Identity{
		ID:              e.IdentityID,
		Email:           e.Email,
		Name:            e.Name,
		Status:          identitydomain.IdentityStatusActive,
		SourceUpdatedAt: e.UpdatedAt,
		SyncedAt:        now,
	}
	if cur != nil && cur.SameState(next) {
		return skipped(ActionUnchanged), repo.TouchSynced(ctx, cur.ID, now)
	}
	if _, err := repo.Upsert(ctx, next); err != nil {
		if errors.Is(err, identityrepo.ErrStale) {
			return skipped(ActionStale), nil
		}
		return Result{}, fmt.Errorf("upsert identity: %w", err)
	}
	if cur == nil {
		return applied(ActionIdentityCreated), nil
	}
	return applied(ActionIdentityUpdated), nil
}

// applyIdentityDeleted scrubs the identity and soft-deletes every membership it holds, including
// memberships that arrived before the identity itself.
func (s *Synchronizer) applyIdentityDeleted(ctx context.Context, q rls.Querier, e IdentityDeleted) (Result, error) {
	repo := s.stores.Identities(q)
	cur, err := repo.GetByID(ctx, e.IdentityID)
	if err != nil {
		return Result{}, fmt.Errorf("load identity: %w", err)
	}
	if cur != nil && cur.SourceUpdatedAt.After(e.At) {
		return skipped(ActionStale), nil
	}
	now := s.now()
	changed := false
	if cur != nil && cur.Status != identitydomain.IdentityStatusDeleted {
		next := *cur
		next.Scrub(now)
		next.SourceUpdatedAt, next.SyncedAt = e.At, now
		if _, err := repo.Upsert(ctx, &next); err != nil {
			if errors.Is(err, identityrepo.ErrStale) {
				return skipped(ActionStale), nil
			}
			return Result{}, fmt.Errorf("delete identity: %w", err)
		}
		changed = true
	}
	n, err := s.applier.Repos(q).SoftDeleteByIdentity(ctx, e.IdentityID, now)
	if err != nil {
		return Result{}, fmt.Errorf("delete memberships: %w", err)
	}
	switch {
	case changed || n > 0:
		return applied(ActionIdentityDeleted).with("memberships_deleted", strconv.FormatInt(n, 10)), nil
	case cur == nil:
		return skipped(ActionIdentityNotFound), nil
	default:
		return skipped(ActionUnchanged), repo.TouchSynced(ctx, cur.ID, now)
	}
}

func (s *Synchronizer) applyOrganizationUpserted(ctx context.Context, q rls.Querier, e OrganizationUpserted) (Result, error) {
	repo := s.stores.Organizations(q)
	cur, err := repo.GetOrganizationByID(ctx, e.OrgID)
	if err != nil {
		return Result{}, fmt.Errorf("load organization: %w", err)
	}
	if cur != nil && cur.SourceUpdatedAt.After(e.UpdatedAt) {
		return skipped(ActionStale), nil
	}
	now := s.now()
	next := &orgdomain.Org{
		ID:              e.OrgID,
		Name:            e.Name,
		Slug:            e.Slug,
		Status:          e.Status,
		SourceUpdatedAt: e.UpdatedAt,
		SyncedAt:        now,
	}
	if next.Name == "" {
		next.Name = e.OrgID
		if cur != nil {
			next.Name = cur.Name
		}
	}
	if next.Slug == "" {
		next.Slug = orgdomain.Slugify(next.Name)
		if cur != nil {
			next.Slug = cur.Slug
		}
	}
	if cur != nil && cur.SameState(next) {
		return skipped(ActionUnchanged), repo.TouchSynced(ctx, cur.ID, now)
	}
	if _, err := repo.UpsertOrganization(ctx, next); err != nil {
		if errors.Is(err, orgrepo.ErrStale) {
			return skipped(ActionStale), nil
		}
		return Result{}, fmt.Errorf("upsert organization: %w", err)
	}
	res := applied(ActionOrganizationUpdated)
	if cur == nil {
		res = applied(ActionOrganizationCreated)
	}
	if next.Status == orgdomain.OrgStatusDeleted {
		return s.cascadeOrgDelete(ctx, q, e.OrgID, now, res)
	}
	return res.with("status", string(next.Status)), nil
}

// applyOrganizationDeleted marks a known organization deleted and soft-deletes its memberships.
// An unknown organization is reported and left absent.
func (s *Synchronizer) applyOrganizationDeleted(ctx context.Context, q rls.Querier, e OrganizationDeleted) (Result, error) {
	repo := s.stores.Organizations(q)
	cur, err := repo.GetOrganizationByID(ctx, e.OrgID)
	if err != nil {
		return Result{}, fmt.Errorf("load organization: %w", err)
	}
	if cur == nil {
		return skipped(ActionOrganizationNotFound), nil
	}
	if cur.SourceUpdatedAt.After(e.At) {
		return skipped(ActionStale), nil
	}
	now := s.now()
	if cur.Status == orgdomain.OrgStatusDeleted {
		return skipped(ActionUnchanged), repo.TouchSynced(ctx, cur.ID, now)
	}
	next := *cur
	next.Status = orgdomain.OrgStatusDeleted
	next.SourceUpdatedAt, next.SyncedAt = e.At, now
	if _, err := repo.UpsertOrganization(ctx, &next); err != nil {
		if errors.Is(err, orgrepo.ErrStale) {
			return skipped(ActionStale), nil
		}
		return Result{}, fmt.Errorf("delete organization: %w", err)
	}
	return s.cascadeOrgDelete(ctx, q, e.OrgID, now, applied(ActionOrganizationDeleted))
}

func (s *Synchronizer) cascadeOrgDelete(ctx context.Context, q rls.Querier, orgID string, at time.Time, res Result) (Result, error) {
	n, err := s.applier.Repos(q).SoftDeleteByOrg(ctx, orgID, at)
	if err != nil {
		return Result{}, fmt.Errorf("delete memberships: %w", err)
	}
	return res.with("memberships_deleted", strconv.FormatInt(n, 10)), nil
}

// ensureOrg creates a placeholder for an organization first seen through a membership event. The
// placeholder carries a zero source time so the organization's own events always supersede it.
func (s *Synchronizer) ensureOrg(ctx context.Context, q rls.Querier, e MembershipUpserted) (bool, error) {
	repo := s.stores.Organizations(q)
	cur, err := repo.GetOrganizationByID(ctx, e.OrgID)
	if err != nil {
		return false, fmt.Errorf("load organization: %w", err)
	}
	if cur != nil {
		return false, nil
	}
	name := e.OrgName
	if name == "" {
		name = e.OrgID
	}
	_, err = repo.UpsertOrganization(ctx, &orgdomain.Org{
		ID:       e.OrgID,
		Name:     name,
		Slug:     e.OrgSlug,
		Status:   orgdomain.OrgStatusActive,
		SyncedAt: s.now(),
	})
	if err != nil && !errors.Is(err, orgrepo.ErrStale) {
		return false, fmt.Errorf("create organization: %w", err)
	}
	return err == nil, nil
}

func (s *Synchronizer) applyMembershipUpserted(ctx context.Context, q rls.Querier, e MembershipUpserted) (Result, error) {
	orgCreated, err := s.ensureOrg(ctx, q, e)
	if err != nil {
		return Result{}, err
	}
	role, _ := memberdomain.RoleFromProvider(e.ProviderRole)
	status := memberdomain.StatusActive
	if e.Suspended {
		status = memberdomain.StatusSuspended
	}
	c := service.Change{
		IdentityID:      e.IdentityID,
		OrgID:           e.OrgID,
		Role:            role,
		Status:          status,
		Source:          memberdomain.SourceIdentityProvider,
		SourceUpdatedAt: e.UpdatedAt,
	}
	if e.Email != "" {
		c.Invitation = &memberdomain.Invitation{Email: e.Email}
	}
	m, outcome, err := s.applier.Apply(ctx, q, c)
	if err != nil {
		return Result{}, err
	}
	var res Result
	switch outcome {
	case service.OutcomeCreated:
		res = applied(ActionMembershipCreated)
	case service.OutcomeUpdated:
		res = applied(ActionMembershipUpdated)
	case service.OutcomeStale:
		res = skipped(ActionStale)
	default:
		res = skipped(ActionUnchanged)
	}
	if orgCreated {
		res = res.with("organization_created", "true")
	}
	if m != nil {
		res = res.with("role", string(m.Role)).with("status", string(m.Status))
	}
	return res, nil
}

// applyMembershipDeleted soft-deletes a known membership. A membership with no local row is reported
// as not found and nothing is written.
func (s *Synchronizer) applyMembershipDeleted(ctx context.Context, q rls.Querier, e MembershipDeleted) (Result, error) {
	cur, err := s.applier.Repos(q).GetByIdentityAndOrg(ctx, e.IdentityID, e.OrgID, true)
	if err != nil {
		return Result{}, fmt.Errorf("load membership: %w", err)
	}
	if cur == nil {
		return skipped(ActionMembershipNotFound), nil
	}
	_, outcome, err := s.applier.Apply(ctx, q, service.Change{
		IdentityID:      e.IdentityID,
		OrgID:           e.OrgID,
		Status:          memberdomain.StatusDeleted,
		Source:          memberdomain.SourceIdentityProvider,
		SourceUpdatedAt: e.At,
	})
	if err != nil {
		return Result{}, err
	}
	switch outcome {
	case service.OutcomeDeleted:
		return applied(ActionMembershipDeleted), nil
	case service.OutcomeStale:
		return skipped(ActionStale), nil
	default:
		return skipped(ActionUnchanged), nil
	}
}
