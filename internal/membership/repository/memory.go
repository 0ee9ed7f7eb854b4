package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"tenant-control-plane/internal/membership/domain"
)

// MemoryRepository is an in-process Repository with the same last-writer-wins rules as the Postgres one.
// It applies no row filtering and is used by tests and local tooling. LockOrg is a no-op; callers that
// need the bootstrap decision serialized must serialize their transactions.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*domain.Membership
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*domain.Membership)}
}

func pairKey(identityID, orgID string) string { return identityID + "\x00" + orgID }

func copyMembership(m *domain.Membership) *domain.Membership {
	c := *m
	c.Overrides = domain.PermissionOverrides{
		Grant:  append([]domain.Permission(nil), m.Overrides.Grant...),
		Revoke: append([]domain.Permission(nil), m.Overrides.Revoke...),
	}
	if m.Invitation != nil {
		inv := *m.Invitation
		c.Invitation = &inv
	}
	if m.LastActiveAt != nil {
		t := *m.LastActiveAt
		c.LastActiveAt = &t
	}
	return &c
}

func (r *MemoryRepository) GetByIdentityAndOrg(_ context.Context, identityID, orgID string, _ bool) (*domain.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[pairKey(identityID, orgID)]
	if !ok {
		return nil, nil
	}
	return copyMembership(m), nil
}

func (r *MemoryRepository) ListByOrg(_ context.Context, orgID string) ([]*domain.Membership, error) {
	return r.filter(func(m *domain.Membership) bool { return m.OrgID == orgID && m.Status != domain.StatusDeleted }), nil
}

func (r *MemoryRepository) ListByIdentity(_ context.Context, identityID string) ([]*domain.Membership, error) {
	return r.filter(func(m *domain.Membership) bool { return m.IdentityID == identityID }), nil
}

func (r *MemoryRepository) filter(keep func(*domain.Membership) bool) []*domain.Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Membership
	for _, m := range r.rows {
		if keep(m) {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryRepository) Upsert(_ context.Context, m *domain.Membership) (*domain.Membership, error) {
	if err := m.Overrides.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := pairKey(m.IdentityID, m.OrgID)
	cur, ok := r.rows[k]
	if !ok {
		next := copyMembership(m)
		next.CreatedAt, next.UpdatedAt = m.SyncedAt, m.SyncedAt
		r.rows[k] = next
		return copyMembership(next), nil
	}
	if cur.SourceUpdatedAt.After(m.SourceUpdatedAt) {
		return nil, ErrStale
	}
	next := copyMembership(m)
	next.ID, next.CreatedAt, next.LastActiveAt = cur.ID, cur.CreatedAt, cur.LastActiveAt
	next.UpdatedAt = m.SyncedAt
	r.rows[k] = next
	return copyMembership(next), nil
}

func (r *MemoryRepository) TouchSynced(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.ID == id {
			m.SyncedAt = at
		}
	}
	return nil
}

func (r *MemoryRepository) TouchActivity(_ context.Context, identityID, orgID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rows[pairKey(identityID, orgID)]; ok && (m.LastActiveAt == nil || m.LastActiveAt.Before(at)) {
		t := at
		m.LastActiveAt = &t
	}
	return nil
}

func (r *MemoryRepository) CountLiveByOrg(_ context.Context, orgID string) (int64, error) {
	return r.count(func(m *domain.Membership) bool { return m.OrgID == orgID && m.Status != domain.StatusDeleted }), nil
}

func (r *MemoryRepository) CountActiveOwnersByOrg(_ context.Context, orgID string) (int64, error) {
	return r.count(func(m *domain.Membership) bool {
		return m.OrgID == orgID && m.Role == domain.RoleOwner && m.Status == domain.StatusActive
	}), nil
}

func (r *MemoryRepository) count(match func(*domain.Membership) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.rows {
		if match(m) {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) SoftDeleteByIdentity(_ context.Context, identityID string, at time.Time) (int64, error) {
	return r.softDelete(func(m *domain.Membership) bool { return m.IdentityID == identityID }, at), nil
}

func (r *MemoryRepository) SoftDeleteByOrg(_ context.Context, orgID string, at time.Time) (int64, error) {
	return r.softDelete(func(m *domain.Membership) bool { return m.OrgID == orgID }, at), nil
}

func (r *MemoryRepository) softDelete(match func(*domain.Membership) bool, at time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.rows {
		if match(m) && m.Status != domain.StatusDeleted {
			m.Scrub(at)
			m.SyncedAt = at
			n++
		}
	}
	return n
}

func (r *MemoryRepository) LockOrg(context.Context, string) error { return nil }
