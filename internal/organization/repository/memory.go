package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"tenant-control-plane/internal/organization/domain"
)

// LiveMemberCounter reports how many non-deleted memberships an organization has.
type LiveMemberCounter interface {
	CountLiveByOrg(ctx context.Context, orgID string) (int64, error)
}

// MemoryRepository is an in-process Repository with the same last-writer-wins rules as the Postgres one.
type MemoryRepository struct {
	mu      sync.Mutex
	rows    map[string]*domain.Org
	members LiveMemberCounter
}

// NewMemoryRepository returns an empty MemoryRepository. members backs ListDeletedWithLiveMembers and may be nil.
func NewMemoryRepository(members LiveMemberCounter) *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*domain.Org), members: members}
}

func (r *MemoryRepository) GetOrganizationByID(_ context.Context, id string) (*domain.Org, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	c := *o
	return &c, nil
}

// Put stores o as is, bypassing the staleness guard. Used to seed state such as billing status.
func (r *MemoryRepository) Put(o *domain.Org) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *o
	r.rows[o.ID] = &c
}

func (r *MemoryRepository) UpsertOrganization(_ context.Context, o *domain.Org) (*domain.Org, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *o
	next.UpdatedAt = o.SyncedAt
	if cur, ok := r.rows[o.ID]; ok {
		if cur.SourceUpdatedAt.After(o.SourceUpdatedAt) {
			return nil, ErrStale
		}
		next.CreatedAt, next.BillingStatus = cur.CreatedAt, cur.BillingStatus
	} else {
		next.CreatedAt, next.BillingStatus = o.SyncedAt, "none"
	}
	r.rows[o.ID] = &next
	c := next
	return &c, nil
}

func (r *MemoryRepository) TouchSynced(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.rows[id]; ok {
		o.SyncedAt = at
	}
	return nil
}

func (r *MemoryRepository) ListDeletedWithLiveMembers(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	var deleted []string
	for id, o := range r.rows {
		if o.Status == domain.OrgStatusDeleted {
			deleted = append(deleted, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(deleted)
	if r.members == nil {
		return nil, nil
	}
	var out []string
	for _, id := range deleted {
		n, err := r.members.CountLiveByOrg(ctx, id)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}
