package repository

import (
	"context"
	"errors"
	"time"

	"tenant-control-plane/internal/identity/domain"
)

// ErrStale is returned by Upsert when the stored row was written from a newer source event.
var ErrStale = errors.New("identity: stored row is newer")

// Repository defines persistence for the local identity mirror.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Identity, error)
	Upsert(ctx context.Context, i *domain.Identity) (*domain.Identity, error)
	TouchSynced(ctx context.Context, id string, at time.Time) error
}
