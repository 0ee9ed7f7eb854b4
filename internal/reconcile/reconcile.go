// Package reconcile repairs state that event delivery alone cannot guarantee. It runs on a schedule
// under system bypass.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/logger"
	mrepo "tenant-control-plane/internal/membership/repository"
	orgrepo "tenant-control-plane/internal/organization/repository"
	"tenant-control-plane/internal/platform/errs"
)

// Job is the system job name reconciliation runs bypass sessions under.
const Job = "reconcile"

// Runner is implemented by *rls.SystemBinder.
type Runner interface {
	InTx(ctx context.Context, opts *sql.TxOptions, fn rls.TxFunc) error
}

// Stores builds repositories over a bound querier.
type Stores struct {
	Organizations func(q rls.Querier) orgrepo.Repository
	Memberships   func(q rls.Querier) mrepo.Repository
}

// PostgresStores returns the Stores used outside tests.
func PostgresStores() Stores {
	return Stores{
		Organizations: func(q rls.Querier) orgrepo.Repository { return orgrepo.NewPostgresRepository(q) },
		Memberships:   func(q rls.Querier) mrepo.Repository { return mrepo.NewPostgresRepository(q) },
	}
}

// Report summarizes one pass.
type Report struct {
	Organizations      int
	MembershipsDeleted int64
	Failed             int
}

// Reconciler soft-deletes the live memberships of deleted organizations, which arise when an
// organization deletion is applied before memberships created by earlier, delayed events.
type Reconciler struct {
	runner Runner
	stores Stores
	sink   audit.Sink
	log    *zap.Logger
	now    func() time.Time
}

func New(runner Runner, stores Stores, sink audit.Sink, log *zap.Logger) *Reconciler {
	return &Reconciler{runner: runner, stores: stores, sink: sink, log: logger.OrNop(log), now: func() time.Time { return time.Now().UTC() }}
}

// Run performs one pass. Each organization is repaired in its own transaction with its own audit
// record; a failing organization does not stop the rest.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var orgs []string
	err := r.runner.InTx(ctx, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, q rls.Querier) error {
		var err error
		orgs, err = r.stores.Organizations(q).ListDeletedWithLiveMembers(ctx)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: list deleted organizations: %w", err)
	}
	var rep Report
	for _, orgID := range orgs {
		n, err := r.repairOrg(ctx, orgID)
		if err != nil {
			rep.Failed++
			r.log.Warn("reconcile: organization failed", zap.String("org_id", orgID), zap.Error(err))
			continue
		}
		rep.Organizations++
		rep.MembershipsDeleted += n
	}
	return rep, nil
}

func (r *Reconciler) repairOrg(ctx context.Context, orgID string) (int64, error) {
	ctx, sc := audit.WithScope(ctx)
	var n int64
	err := r.runner.InTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, q rls.Querier) error {
		members := r.stores.Memberships(q)
		if err := members.LockOrg(ctx, orgID); err != nil {
			return err
		}
		var err error
		n, err = members.SoftDeleteByOrg(ctx, orgID, r.now())
		return err
	})

	rec := audit.New(audit.EventReconcile, audit.EntityOrganization, orgID, orgID)
	rec.Actor = "system:" + Job
	rec.Success = err == nil
	rec.Metadata["operation"] = "delete_orphaned_memberships"
	rec.Metadata["memberships_deleted"] = strconv.FormatInt(n, 10)
	if err != nil {
		rec.Reason = errs.Code(err)
	}
	sc.Annotate(rec)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := r.sink.Append(wctx, rec); aerr != nil {
		r.log.Error("reconcile: audit outcome", zap.String("org_id", orgID), zap.Error(aerr))
	}
	return n, err
}
