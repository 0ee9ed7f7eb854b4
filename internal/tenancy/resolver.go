package tenancy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/platform/errs"
)

// DefaultResolveTimeout bounds the membership lookup of one resolution.
const DefaultResolveTimeout = 2 * time.Second

// Resolver turns an authenticated identity into an OrganizationContext.
type Resolver struct {
	lookup  Lookup
	toucher *Toucher
	timeout time.Duration
	log     *zap.Logger
}

// NewResolver returns a Resolver. toucher may be nil to disable activity refresh; timeout <= 0 uses
// DefaultResolveTimeout.
func NewResolver(lookup Lookup, toucher *Toucher, timeout time.Duration, log *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	return &Resolver{lookup: lookup, toucher: toucher, timeout: timeout, log: logger.OrNop(log)}
}

// Resolve picks the membership identityID acts through. With preferredOrg set only that organization
// is considered. Among active memberships in active organizations the most recently active wins, then
// the most recently updated.
//
// It returns errs.ErrNoTenant when the identity has no active membership and errs.ErrTenantInactive
// when every active membership belongs to a suspended or deleted organization. Neither error names
// the organization.
func (r *Resolver) Resolve(ctx context.Context, identityID, preferredOrg string) (OrganizationContext, error) {
	if identityID == "" {
		return OrganizationContext{}, errs.ErrUnauthenticated
	}
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cands, err := r.lookup.ActiveMemberships(lctx, identityID, preferredOrg)
	if err != nil {
		return OrganizationContext{}, fmt.Errorf("resolve membership: %w", err)
	}
	if len(cands) == 0 {
		return OrganizationContext{}, errs.ErrNoTenant
	}
	live := cands[:0:0]
	for _, c := range cands {
		if c.Membership.IsActive() && c.Org.IsActive() {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return OrganizationContext{}, errs.ErrTenantInactive
	}
	sort.SliceStable(live, func(i, j int) bool { return moreRecent(live[i], live[j]) })

	pick := live[0]
	oc := NewOrganizationContext(identityID, pick.Membership, pick.Org)
	if r.toucher != nil {
		r.toucher.Touch(ctx, oc)
	}
	return oc, nil
}

func moreRecent(a, b Candidate) bool {
	la, lb := a.Membership.LastActiveAt, b.Membership.LastActiveAt
	switch {
	case la != nil && lb == nil:
		return true
	case la == nil && lb != nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.After(*lb)
	}
	if !a.Membership.UpdatedAt.Equal(b.Membership.UpdatedAt) {
		return a.Membership.UpdatedAt.After(b.Membership.UpdatedAt)
	}
	return a.Membership.OrgID < b.Membership.OrgID
}
