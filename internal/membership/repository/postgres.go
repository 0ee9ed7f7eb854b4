package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/membership/domain"
)

type PostgresRepository struct {
	q rls.Querier
}

// NewPostgresRepository returns a membership repository that runs on q (a bound session or a transaction on one).
func NewPostgresRepository(q rls.Querier) *PostgresRepository {
	return &PostgresRepository{q: q}
}

const membershipColumns = `id, identity_id, org_id, role, status, permission_overrides, invitation,
    bootstrap_role, last_active_at, source, source_updated_at, synced_at, created_at, updated_at`

type membershipRow struct {
	ID              string       `db:"id"`
	IdentityID      string       `db:"identity_id"`
	OrgID           string       `db:"org_id"`
	Role            string       `db:"role"`
	Status          string       `db:"status"`
	Overrides       []byte       `db:"permission_overrides"`
	Invitation      []byte       `db:"invitation"`
	BootstrapRole   string       `db:"bootstrap_role"`
	LastActiveAt    sql.NullTime `db:"last_active_at"`
	Source          string       `db:"source"`
	SourceUpdatedAt time.Time    `db:"source_updated_at"`
	SyncedAt        time.Time    `db:"synced_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

// GetByIdentityAndOrg returns the membership for the pair, or nil if not found.
// It returns an error only for database failures, not for missing rows. forUpdate locks the row
// for the surrounding transaction.
func (r *PostgresRepository) GetByIdentityAndOrg(ctx context.Context, identityID, orgID string, forUpdate bool) (*domain.Membership, error) {
	q := `SELECT ` + membershipColumns + ` FROM memberships WHERE identity_id = $1 AND org_id = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var row membershipRow
	if err := r.q.GetContext(ctx, &row, q, identityID, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.toDomain()
}

// ListByOrg returns every non-deleted membership of orgID, newest first.
func (r *PostgresRepository) ListByOrg(ctx context.Context, orgID string) ([]*domain.Membership, error) {
	return r.list(ctx, `SELECT `+membershipColumns+` FROM memberships
WHERE org_id = $1 AND status <> 'deleted' ORDER BY created_at DESC`, orgID)
}

// ListByIdentity returns every membership visible for identityID.
func (r *PostgresRepository) ListByIdentity(ctx context.Context, identityID string) ([]*domain.Membership, error) {
	return r.list(ctx, `SELECT `+membershipColumns+` FROM memberships
WHERE identity_id = $1 ORDER BY created_at DESC`, identityID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, arg string) ([]*domain.Membership, error) {
	var rows []membershipRow
	if err := r.q.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, err
	}
	out := make([]*domain.Membership, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

const upsertMembership = `INSERT INTO memberships
    (id, identity_id, org_id, role, status, permission_overrides, invitation, last_active_at,
     source, source_updated_at, synced_at, created_at, updated_at, bootstrap_role)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $11, $12)
ON CONFLICT (identity_id, org_id) DO UPDATE SET
    role = EXCLUDED.role,
    bootstrap_role = EXCLUDED.bootstrap_role,
    status = EXCLUDED.status,
    permission_overrides = EXCLUDED.permission_overrides,
    invitation = EXCLUDED.invitation,
    source = EXCLUDED.source,
    source_updated_at = EXCLUDED.source_updated_at,
    synced_at = EXCLUDED.synced_at,
    updated_at = EXCLUDED.synced_at
WHERE memberships.source_updated_at <= EXCLUDED.source_updated_at
RETURNING ` + membershipColumns

// Upsert inserts m or updates the existing row for (IdentityID, OrgID) in place. The update only applies
// when m.SourceUpdatedAt is not older than the stored value; otherwise ErrStale is returned and nothing changes.
// m.SyncedAt is used as the write time.
func (r *PostgresRepository) Upsert(ctx context.Context, m *domain.Membership) (*domain.Membership, error) {
	overrides, err := domain.MarshalOverrides(m.Overrides)
	if err != nil {
		return nil, err
	}
	var invitation []byte
	if m.Invitation != nil {
		if invitation, err = json.Marshal(m.Invitation); err != nil {
			return nil, fmt.Errorf("membership: invitation: %w", err)
		}
	}
	var lastActive sql.NullTime
	if m.LastActiveAt != nil {
		lastActive = sql.NullTime{Time: *m.LastActiveAt, Valid: true}
	}
	var row membershipRow
	err = r.q.GetContext(ctx, &row, upsertMembership,
		m.ID, m.IdentityID, m.OrgID, string(m.Role), string(m.Status), overrides, invitation, lastActive,
		string(m.Source), m.SourceUpdatedAt, m.SyncedAt, string(m.BootstrapRole))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStale
		}
		return nil, err
	}
	return row.toDomain()
}

// TouchSynced refreshes synced_at only. Used when a redelivered event carries no change.
func (r *PostgresRepository) TouchSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE memberships SET synced_at = $2 WHERE id = $1`, id, at)
	return err
}

// TouchActivity sets last_active_at for the pair when at is newer than the stored value.
func (r *PostgresRepository) TouchActivity(ctx context.Context, identityID, orgID string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE memberships SET last_active_at = $3
WHERE identity_id = $1 AND org_id = $2 AND (last_active_at IS NULL OR last_active_at < $3)`, identityID, orgID, at)
	return err
}

// CountLiveByOrg counts memberships of orgID that are not deleted.
func (r *PostgresRepository) CountLiveByOrg(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := r.q.GetContext(ctx, &n, `SELECT count(*) FROM memberships WHERE org_id = $1 AND status <> 'deleted'`, orgID)
	return n, err
}

// CountActiveOwnersByOrg counts active owners of orgID.
func (r *PostgresRepository) CountActiveOwnersByOrg(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := r.q.GetContext(ctx, &n, `SELECT count(*) FROM memberships WHERE org_id = $1 AND role = 'owner' AND status = 'active'`, orgID)
	return n, err
}

// SoftDeleteByIdentity marks every live membership of identityID deleted and scrubs its invitation
// and overrides. Returns the number of rows changed.
func (r *PostgresRepository) SoftDeleteByIdentity(ctx context.Context, identityID string, at time.Time) (int64, error) {
	return r.softDelete(ctx, `identity_id = $1`, identityID, at)
}

// SoftDeleteByOrg marks every live membership of orgID deleted and scrubs it.
func (r *PostgresRepository) SoftDeleteByOrg(ctx context.Context, orgID string, at time.Time) (int64, error) {
	return r.softDelete(ctx, `org_id = $1`, orgID, at)
}

func (r *PostgresRepository) softDelete(ctx context.Context, where, arg string, at time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE memberships
SET status = 'deleted', invitation = NULL, permission_overrides = '{}'::jsonb, updated_at = $2, synced_at = $2
WHERE `+where+` AND status <> 'deleted'`, arg, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LockOrg takes a transaction-scoped advisory lock for orgID. Must run inside a transaction.
func (r *PostgresRepository) LockOrg(ctx context.Context, orgID string) error {
	_, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "org:"+orgID)
	return err
}

func (row *membershipRow) toDomain() (*domain.Membership, error) {
	overrides, err := domain.UnmarshalOverrides(row.Overrides)
	if err != nil {
		return nil, err
	}
	m := &domain.Membership{
		ID:              row.ID,
		IdentityID:      row.IdentityID,
		OrgID:           row.OrgID,
		Role:            domain.Role(row.Role),
		Status:          domain.Status(row.Status),
		Overrides:       overrides,
		BootstrapRole:   domain.Role(row.BootstrapRole),
		Source:          domain.Source(row.Source),
		SourceUpdatedAt: row.SourceUpdatedAt,
		SyncedAt:        row.SyncedAt,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.Invitation) > 0 {
		var inv domain.Invitation
		if err := json.Unmarshal(row.Invitation, &inv); err != nil {
			return nil, fmt.Errorf("membership: invitation: %w", err)
		}
		m.Invitation = &inv
	}
	if row.LastActiveAt.Valid {
		t := row.LastActiveAt.Time
		m.LastActiveAt = &t
	}
	return m, nil
}
