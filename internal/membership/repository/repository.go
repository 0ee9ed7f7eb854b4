package repository

import (
	"context"
	"errors"
	"time"

	"tenant-control-plane/internal/membership/domain"
)

// ErrStale is returned by Upsert when the stored row was written from a newer source event.
var ErrStale = errors.New("membership: stored row is newer")

// Repository defines persistence for memberships. Implementations run on a session whose bound
// scope decides which rows are visible.
type Repository interface {
	GetByIdentityAndOrg(ctx context.Context, identityID, orgID string, forUpdate bool) (*domain.Membership, error)
	ListByOrg(ctx context.Context, orgID string) ([]*domain.Membership, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*domain.Membership, error)
	Upsert(ctx context.Context, m *domain.Membership) (*domain.Membership, error)
	TouchSynced(ctx context.Context, id string, at time.Time) error
	TouchActivity(ctx context.Context, identityID, orgID string, at time.Time) error
	CountLiveByOrg(ctx context.Context, orgID string) (int64, error)
	CountActiveOwnersByOrg(ctx context.Context, orgID string) (int64, error)
	SoftDeleteByIdentity(ctx context.Context, identityID string, at time.Time) (int64, error)
	SoftDeleteByOrg(ctx context.Context, orgID string, at time.Time) (int64, error)
	LockOrg(ctx context.Context, orgID string) error
}
