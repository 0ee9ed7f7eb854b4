package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/organization/domain"
)

type PostgresRepository struct {
	q rls.Querier
}

// NewPostgresRepository returns an organization repository that runs on q.
func NewPostgresRepository(q rls.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

const orgColumns = `id, name, slug, status, billing_status, source_updated_at, synced_at, created_at, updated_at`

type orgRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	Slug            string    `db:"slug"`
	Status          string    `db:"status"`
	BillingStatus   string    `db:"billing_status"`
	SourceUpdatedAt time.Time `db:"source_updated_at"`
	SyncedAt        time.Time `db:"synced_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r orgRow) toDomain() *domain.Org {
	return &domain.Org{
		ID: r.ID, Name: r.Name, Slug: r.Slug, Status: domain.OrgStatus(r.Status), BillingStatus: r.BillingStatus,
		SourceUpdatedAt: r.SourceUpdatedAt, SyncedAt: r.SyncedAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// GetOrganizationByID returns the organization for id, or nil if not found or not visible in the bound scope.
func (r *PostgresRepository) GetOrganizationByID(ctx context.Context, id string) (*domain.Org, error) {
	var row orgRow
	if err := r.q.GetContext(ctx, &row, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

const upsertOrg = `INSERT INTO organizations (id, name, slug, status, source_updated_at, synced_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    slug = EXCLUDED.slug,
    status = EXCLUDED.status,
    source_updated_at = EXCLUDED.source_updated_at,
    synced_at = EXCLUDED.synced_at,
    updated_at = EXCLUDED.synced_at
WHERE organizations.source_updated_at <= EXCLUDED.source_updated_at
RETURNING ` + orgColumns

// UpsertOrganization inserts o or updates it in place when o.SourceUpdatedAt is not older than the stored row.
// billing_status is never written here. Returns ErrStale when the stored row is newer.
func (r *PostgresRepository) UpsertOrganization(ctx context.Context, o *domain.Org) (*domain.Org, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	var row orgRow
	err := r.q.GetContext(ctx, &row, upsertOrg, o.ID, o.Name, o.Slug, string(o.Status), o.SourceUpdatedAt, o.SyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStale
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// TouchSynced refreshes synced_at only.
func (r *PostgresRepository) TouchSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE organizations SET synced_at = $2 WHERE id = $1`, id, at)
	return err
}

// ListDeletedWithLiveMembers returns ids of deleted organizations that still have non-deleted memberships.
func (r *PostgresRepository) ListDeletedWithLiveMembers(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.q.SelectContext(ctx, &ids, `SELECT o.id FROM organizations o
WHERE o.status = 'deleted'
  AND EXISTS (SELECT 1 FROM memberships m WHERE m.org_id = o.id AND m.status <> 'deleted')
ORDER BY o.id`)
	return ids, err
}
