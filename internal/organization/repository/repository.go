package repository

import (
	"context"
	"errors"
	"time"

	"tenant-control-plane/internal/organization/domain"
)

// ErrStale is returned by Upsert when the stored row was written from a newer source event.
var ErrStale = errors.New("organization: stored row is newer")

// Repository defines persistence for organizations.
type Repository interface {
	GetOrganizationByID(ctx context.Context, id string) (*domain.Org, error)
	UpsertOrganization(ctx context.Context, o *domain.Org) (*domain.Org, error)
	TouchSynced(ctx context.Context, id string, at time.Time) error
	ListDeletedWithLiveMembers(ctx context.Context) ([]string, error)
}
