package repository

import (
	"context"
	"sync"
	"time"

	"tenant-control-plane/internal/identity/domain"
)

// MemoryRepository is an in-process Repository with the same last-writer-wins rules as the Postgres one.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*domain.Identity
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*domain.Identity)}
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	c := *i
	return &c, nil
}

func (r *MemoryRepository) Upsert(_ context.Context, i *domain.Identity) (*domain.Identity, error) {
	if err := i.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *i
	next.UpdatedAt = i.SyncedAt
	if cur, ok := r.rows[i.ID]; ok {
		if cur.SourceUpdatedAt.After(i.SourceUpdatedAt) {
			return nil, ErrStale
		}
		next.CreatedAt, next.Provider = cur.CreatedAt, cur.Provider
	} else {
		next.CreatedAt = i.SyncedAt
	}
	r.rows[i.ID] = &next
	c := next
	return &c, nil
}

func (r *MemoryRepository) TouchSynced(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.rows[id]; ok {
		i.SyncedAt = at
	}
	return nil
}
