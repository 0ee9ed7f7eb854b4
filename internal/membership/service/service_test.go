package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/membership/repository"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/policy/engine"
)

// serialRunner runs transactions one at a time against in-memory repositories.
type serialRunner struct {
	mu     sync.Mutex
	actors []Actor
}

func (r *serialRunner) InTx(ctx context.Context, actor Actor, fn rls.TxFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors = append(r.actors, actor)
	return fn(ctx, nil)
}

type principal struct {
	identity, org string
	role          domain.Role
}

func (p principal) StorageScope() rls.Scope { return rls.Scope{IdentityID: p.identity, OrgID: p.org} }
func (p principal) IdentityID() string      { return p.identity }
func (p principal) OrgID() string           { return p.org }
func (p principal) Role() domain.Role       { return p.role }

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestApplier(t *testing.T, repo repository.Repository) *Applier {
	t.Helper()
	policy, err := engine.NewOPAEvaluator(context.Background(), engine.BootstrapConfig{
		FirstMemberRole: domain.RoleAdmin,
		DefaultRole:     domain.RoleStaff,
		Sources:         []domain.Source{domain.SourceIdentityProvider},
	}, "", nil)
	require.NoError(t, err)
	a := NewApplier(func(rls.Querier) repository.Repository { return repo }, policy)
	a.now = func() time.Time { return t0 }
	return a
}

// newChange builds an admin-sourced change, which the bootstrap policy never elevates.
func newChange(identity, org string, role domain.Role, at time.Time) Change {
	return Change{
		IdentityID: identity, OrgID: org, Role: role,
		Source: domain.SourceAdmin, SourceUpdatedAt: at,
	}
}

func TestApply_FirstMemberBootstrapThenDefault(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)

	c := newChange("u1", "org_a", "", t0)
	c.Source = domain.SourceIdentityProvider
	first, outcome, err := a.Apply(ctx, nil, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, domain.RoleAdmin, first.Role)

	c.IdentityID = "u2"
	second, outcome, err := a.Apply(ctx, nil, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, domain.RoleStaff, second.Role)
}

// A provider update that lowers the role keeps the first-member grant; an administrator's role change
// replaces it.
func TestApply_FirstMemberGrantIsAFloor(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)

	c := newChange("u1", "org_a", domain.RoleStaff, t0)
	c.Source = domain.SourceIdentityProvider
	first, _, err := a.Apply(ctx, nil, c)
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin, first.Role)
	assert.Equal(t, domain.RoleAdmin, first.BootstrapRole)

	c.SourceUpdatedAt = t0.Add(time.Minute)
	c.Role = domain.RoleViewer
	c.Status = domain.StatusSuspended
	updated, outcome, err := a.Apply(ctx, nil, c)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, domain.RoleAdmin, updated.Role)
	assert.Equal(t, domain.StatusSuspended, updated.Status)

	demote := newChange("u1", "org_a", domain.RoleStaff, t0.Add(2*time.Minute))
	demote.Status = domain.StatusActive
	demoted, _, err := a.Apply(ctx, nil, demote)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleStaff, demoted.Role)
	assert.Empty(t, demoted.BootstrapRole)

	c.SourceUpdatedAt = t0.Add(3 * time.Minute)
	c.Role, c.Status = domain.RoleViewer, domain.StatusActive
	after, _, err := a.Apply(ctx, nil, c)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, after.Role, "no floor after the administrator's change")
}

func TestApply_RedeliveryIsUnchanged(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)

	created, _, err := a.Apply(ctx, nil, newChange("u1", "org_a", domain.RoleStaff, t0))
	require.NoError(t, err)

	a.now = func() time.Time { return t0.Add(time.Minute) }
	again, outcome, err := a.Apply(ctx, nil, newChange("u1", "org_a", domain.RoleStaff, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Equal(t, created.ID, again.ID)

	stored, _ := repo.GetByIdentityAndOrg(ctx, "u1", "org_a", false)
	assert.Equal(t, t0.Add(time.Minute), stored.SyncedAt)
	n, _ := repo.CountLiveByOrg(ctx, "org_a")
	assert.Equal(t, int64(1), n)
}

func TestApply_OlderEventIsStale(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)

	_, _, err := a.Apply(ctx, nil, newChange("u1", "org_a", domain.RoleAdmin, t0.Add(time.Hour)))
	require.NoError(t, err)
	got, outcome, err := a.Apply(ctx, nil, newChange("u1", "org_a", domain.RoleViewer, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, domain.RoleAdmin, got.Role)
}

func TestApply_DeleteBeforeCreateConverges(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)

	del := newChange("u1", "org_a", "", t0.Add(time.Hour))
	del.Status = domain.StatusDeleted
	_, outcome, err := a.Apply(ctx, nil, del)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)

	_, outcome, err = a.Apply(ctx, nil, newChange("u1", "org_a", domain.RoleStaff, t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)

	stored, _ := repo.GetByIdentityAndOrg(ctx, "u1", "org_a", false)
	assert.Equal(t, domain.StatusDeleted, stored.Status)
}

func TestApply_DeleteScrubsOverridesAndInvitation(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)

	c := newChange("u1", "org_a", domain.RoleStaff, t0)
	c.Overrides = &domain.PermissionOverrides{Grant: []domain.Permission{domain.PermDataExport}}
	c.Invitation = &domain.Invitation{Email: "a@example.com"}
	_, _, err := a.Apply(ctx, nil, c)
	require.NoError(t, err)

	del := newChange("u1", "org_a", "", t0.Add(time.Second))
	del.Status = domain.StatusDeleted
	got, _, err := a.Apply(ctx, nil, del)
	require.NoError(t, err)
	assert.Nil(t, got.Invitation)
	assert.True(t, got.Overrides.IsZero())
	assert.Equal(t, domain.RoleStaff, got.Role)
}

func TestApply_InvalidChange(t *testing.T) {
	a := newTestApplier(t, repository.NewMemoryRepository())
	_, _, err := a.Apply(context.Background(), nil, newChange("u1", "org_a", "superuser", t0))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, _, err = a.Apply(context.Background(), nil, newChange("", "org_a", "", t0))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

type conflictRepo struct {
	*repository.MemoryRepository
}

func (conflictRepo) Upsert(context.Context, *domain.Membership) (*domain.Membership, error) {
	return nil, &pgconn.PgError{Code: "23505"}
}

func TestApply_UniqueViolationIsSyncConflict(t *testing.T) {
	a := newTestApplier(t, conflictRepo{repository.NewMemoryRepository()})
	_, _, err := a.Apply(context.Background(), nil, newChange("u1", "org_a", domain.RoleStaff, t0))
	assert.ErrorIs(t, err, errs.ErrSyncConflict)
}

// seedOrg creates members with the given roles in org_a and returns the service under test.
func seedOrg(t *testing.T, roles map[string]domain.Role) (*Service, *repository.MemoryRepository, *audit.MemorySink) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	a := newTestApplier(t, repo)
	for id, role := range roles {
		_, _, err := a.Apply(context.Background(), nil, newChange(id, "org_a", role, t0))
		require.NoError(t, err)
	}
	sink := audit.NewMemorySink()
	return NewService(&serialRunner{}, a, sink, nil), repo, sink
}

func TestUpdateRole_WritesOneAuditRecord(t *testing.T) {
	svc, _, sink := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner, "u1": domain.RoleStaff})
	actor := MemberActor(principal{"owner1", "org_a", domain.RoleOwner})

	m, err := svc.UpdateRole(context.Background(), actor, "u1", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, m.Role)
	assert.Equal(t, domain.SourceAdmin, m.Source)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.EventAdminOverride, recs[0].EventType)
	assert.Equal(t, "owner1", recs[0].Actor)
	assert.True(t, recs[0].Success)
	assert.Equal(t, "update_role", recs[0].Metadata["operation"])
}

func TestUpdateRole_Guards(t *testing.T) {
	ctx := context.Background()
	svc, repo, sink := seedOrg(t, map[string]domain.Role{
		"owner1": domain.RoleOwner, "admin1": domain.RoleAdmin, "u1": domain.RoleStaff,
	})
	admin := MemberActor(principal{"admin1", "org_a", domain.RoleAdmin})

	_, err := svc.UpdateRole(ctx, admin, "u1", domain.RoleOwner)
	assert.ErrorIs(t, err, errs.ErrForbidden, "cannot grant above own role")

	_, err = svc.UpdateStatus(ctx, admin, "owner1", domain.StatusSuspended)
	assert.ErrorIs(t, err, errs.ErrForbidden, "cannot modify a higher-ranked member")

	owner, _ := repo.GetByIdentityAndOrg(ctx, "owner1", "org_a", false)
	assert.Equal(t, domain.StatusActive, owner.Status)

	recs := sink.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.False(t, r.Success)
		assert.Equal(t, "forbidden", r.Reason)
	}
}

func TestLastOwnerProtection(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner})
	owner := MemberActor(principal{"owner1", "org_a", domain.RoleOwner})

	_, err := svc.UpdateRole(ctx, owner, "owner1", domain.RoleAdmin)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = svc.UpdateStatus(ctx, owner, "owner1", domain.StatusSuspended)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.ErrorIs(t, svc.Remove(ctx, owner, "owner1"), errs.ErrForbidden)
}

func TestLastOwnerProtection_SecondOwnerCanStepDown(t *testing.T) {
	svc, _, _ := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner, "owner2": domain.RoleOwner})
	owner := MemberActor(principal{"owner1", "org_a", domain.RoleOwner})

	m, err := svc.UpdateRole(context.Background(), owner, "owner1", domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, m.Role)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner, "u1": domain.RoleStaff})
	owner := MemberActor(principal{"owner1", "org_a", domain.RoleOwner})

	require.NoError(t, svc.Remove(ctx, owner, "u1"))
	stored, _ := repo.GetByIdentityAndOrg(ctx, "u1", "org_a", false)
	assert.Equal(t, domain.StatusDeleted, stored.Status)

	assert.ErrorIs(t, svc.Remove(ctx, owner, "u1"), errs.ErrNotFound, "already removed")
	assert.ErrorIs(t, svc.Remove(ctx, owner, "nobody"), errs.ErrNotFound)
}

func TestPatchValidation(t *testing.T) {
	svc, _, sink := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner})
	owner := MemberActor(principal{"owner1", "org_a", domain.RoleOwner})

	_, err := svc.UpdateStatus(context.Background(), owner, "owner1", domain.StatusDeleted)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = svc.UpdateOverrides(context.Background(), owner, "owner1",
		domain.PermissionOverrides{Grant: []domain.Permission{"root:all"}})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Equal(t, 2, sink.Count(audit.EventAdminOverride))
}

func TestBulk_PerItemResults(t *testing.T) {
	svc, _, sink := seedOrg(t, map[string]domain.Role{
		"owner1": domain.RoleOwner, "u1": domain.RoleStaff, "u2": domain.RoleViewer,
	})
	owner := MemberActor(principal{"owner1", "org_a", domain.RoleOwner})

	res := svc.Bulk(context.Background(), owner, []BulkItem{
		{IdentityID: "u1", Patch: Patch{Role: domain.RoleAdmin}},
		{IdentityID: "missing", Patch: Patch{Role: domain.RoleAdmin}},
		{IdentityID: "u2", Patch: Patch{Status: domain.StatusSuspended}},
	})
	require.Len(t, res, 3)
	require.NoError(t, res[0].Err)
	assert.Equal(t, domain.RoleAdmin, res[0].Membership.Role)
	assert.ErrorIs(t, res[1].Err, errs.ErrNotFound)
	require.NoError(t, res[2].Err)
	assert.Equal(t, domain.StatusSuspended, res[2].Membership.Status)
	assert.Equal(t, 3, sink.Count(audit.EventAdminOverride))
}

func TestSystemActor(t *testing.T) {
	svc, _, sink := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner, "u1": domain.RoleStaff})
	actor := SystemActor("tenantctl", "org_a")
	assert.True(t, actor.IsSystem())

	m, err := svc.UpdateRole(context.Background(), actor, "u1", domain.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOwner, m.Role)
	assert.Equal(t, "system:tenantctl", sink.Records()[0].Actor)
}

func TestBinderRunner_SystemWithoutBinder(t *testing.T) {
	err := BinderRunner{}.InTx(context.Background(), SystemActor("tenantctl", "org_a"), func(context.Context, rls.Querier) error {
		return errors.New("should not run")
	})
	assert.ErrorIs(t, err, errs.ErrBypassMisuse)
}

func TestList(t *testing.T) {
	svc, _, _ := seedOrg(t, map[string]domain.Role{"owner1": domain.RoleOwner, "u1": domain.RoleStaff})
	ms, err := svc.List(context.Background(), MemberActor(principal{"owner1", "org_a", domain.RoleOwner}))
	require.NoError(t, err)
	assert.Len(t, ms, 2)
}
