package tenancy

import (
	"context"
	"database/sql"
	"time"

	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/membership/domain"
	mrepo "tenant-control-plane/internal/membership/repository"
	orgdomain "tenant-control-plane/internal/organization/domain"
)

// Candidate is one active membership of the caller joined with its organization.
type Candidate struct {
	Membership *domain.Membership
	Org        *orgdomain.Org
}

// Lookup returns the caller's active memberships. orgID restricts the result to one organization when set.
type Lookup interface {
	ActiveMemberships(ctx context.Context, identityID, orgID string) ([]Candidate, error)
}

// ActivityRecorder persists the caller's last activity in its organization.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, oc OrganizationContext, at time.Time) error
}

// PostgresStore reads memberships under an identity-only scope and records activity under the
// caller's organization scope.
type PostgresStore struct {
	binder *rls.Binder
}

// NewPostgresStore returns a PostgresStore over binder.
func NewPostgresStore(binder *rls.Binder) *PostgresStore {
	return &PostgresStore{binder: binder}
}

const activeMembershipsQuery = `SELECT m.id, m.org_id, m.role, m.permission_overrides, m.last_active_at, m.updated_at,
       o.name AS org_name, o.slug AS org_slug, o.status AS org_status
FROM memberships m
JOIN organizations o ON o.id = m.org_id
WHERE m.identity_id = $1 AND m.status = 'active' AND ($2 = '' OR m.org_id = $2)`

type candidateRow struct {
	ID           string       `db:"id"`
	OrgID        string       `db:"org_id"`
	Role         string       `db:"role"`
	Overrides    []byte       `db:"permission_overrides"`
	LastActiveAt sql.NullTime `db:"last_active_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	OrgName      string       `db:"org_name"`
	OrgSlug      string       `db:"org_slug"`
	OrgStatus    string       `db:"org_status"`
}

func (s *PostgresStore) ActiveMemberships(ctx context.Context, identityID, orgID string) ([]Candidate, error) {
	var rows []candidateRow
	err := s.binder.WithIdentity(ctx, identityID, func(ctx context.Context, sess *rls.Session) error {
		return sess.SelectContext(ctx, &rows, activeMembershipsQuery, identityID, orgID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		overrides, err := domain.UnmarshalOverrides(r.Overrides)
		if err != nil {
			return nil, err
		}
		m := &domain.Membership{
			ID: r.ID, IdentityID: identityID, OrgID: r.OrgID, Role: domain.Role(r.Role),
			Status: domain.StatusActive, Overrides: overrides, UpdatedAt: r.UpdatedAt,
		}
		if r.LastActiveAt.Valid {
			t := r.LastActiveAt.Time
			m.LastActiveAt = &t
		}
		org := &orgdomain.Org{ID: r.OrgID, Name: r.OrgName, Slug: r.OrgSlug, Status: orgdomain.OrgStatus(r.OrgStatus)}
		out = append(out, Candidate{Membership: m, Org: org})
	}
	return out, nil
}

func (s *PostgresStore) RecordActivity(ctx context.Context, oc OrganizationContext, at time.Time) error {
	return s.binder.WithContext(ctx, oc, func(ctx context.Context, sess *rls.Session) error {
		return mrepo.NewPostgresRepository(sess).TouchActivity(ctx, oc.IdentityID(), oc.OrgID(), at)
	})
}
