package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/identity/domain"
)

type PostgresRepository struct {
	q rls.Querier
}

// NewPostgresRepository returns an identity repository that runs on q.
func NewPostgresRepository(q rls.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

const identityColumns = `id, provider, email, name, status, source_updated_at, synced_at, created_at, updated_at`

type identityRow struct {
	ID              string    `db:"id"`
	Provider        string    `db:"provider"`
	Email           string    `db:"email"`
	Name            string    `db:"name"`
	Status          string    `db:"status"`
	SourceUpdatedAt time.Time `db:"source_updated_at"`
	SyncedAt        time.Time `db:"synced_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r identityRow) toDomain() *domain.Identity {
	return &domain.Identity{
		ID: r.ID, Provider: domain.IdentityProvider(r.Provider), Email: r.Email, Name: r.Name,
		Status: domain.IdentityStatus(r.Status), SourceUpdatedAt: r.SourceUpdatedAt, SyncedAt: r.SyncedAt,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// GetByID returns the identity for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Identity, error) {
	var row identityRow
	if err := r.q.GetContext(ctx, &row, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain(), nil
}

const upsertIdentity = `INSERT INTO identities (id, provider, email, name, status, source_updated_at, synced_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $7)
ON CONFLICT (id) DO UPDATE SET
    email = EXCLUDED.email,
    name = EXCLUDED.name,
    status = EXCLUDED.status,
    source_updated_at = EXCLUDED.source_updated_at,
    synced_at = EXCLUDED.synced_at,
    updated_at = EXCLUDED.synced_at
WHERE identities.source_updated_at <= EXCLUDED.source_updated_at
RETURNING ` + identityColumns

// Upsert inserts i or updates it in place when i.SourceUpdatedAt is not older than the stored row.
func (r *PostgresRepository) Upsert(ctx context.Context, i *domain.Identity) (*domain.Identity, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}
	var row identityRow
	err := r.q.GetContext(ctx, &row, upsertIdentity,
		i.ID, string(i.Provider), i.Email, i.Name, string(i.Status), i.SourceUpdatedAt, i.SyncedAt)
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
	_, err := r.q.ExecContext(ctx, `UPDATE identities SET synced_at = $2 WHERE id = $1`, id, at)
	return err
}
