// seed bootstraps one organization and its owner for local development. Run via go run ./cmd/seed.
// Idempotent: rerunning with the same flags leaves the rows unchanged.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/app"
	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/config"
	"tenant-control-plane/internal/db/rls"
	identitydomain "tenant-control-plane/internal/identity/domain"
	identityrepo "tenant-control-plane/internal/identity/repository"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/membership/service"
	orgdomain "tenant-control-plane/internal/organization/domain"
	orgrepo "tenant-control-plane/internal/organization/repository"
)

const job = "seed"

// seedEpoch is the source timestamp of every seeded row, so reruns compare equal.
var seedEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func main() {
	orgID := flag.String("org-id", "org_dev", "Organization id")
	orgName := flag.String("org-name", "Dev Organization", "Organization name")
	identityID := flag.String("identity-id", "user_dev", "Owner identity id (the provider subject)")
	email := flag.String("email", "dev@example.com", "Owner email")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat, "tenant-control-plane-seed")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	infra, err := app.New(ctx, cfg, zl, "tenant-control-plane-seed")
	if err != nil {
		zl.Fatal("seed: init", zap.Error(err))
	}
	defer infra.Close(context.Background())

	m, outcome, err := seed(ctx, infra.System(job), infra.Applier, infra.Audit, seedInput{
		OrgID:      *orgID,
		OrgName:    *orgName,
		IdentityID: *identityID,
		Email:      *email,
	})
	if err != nil {
		zl.Fatal("seed failed", zap.Error(err))
	}
	fmt.Printf("seed: %s is %s of %s (%s)\n", m.IdentityID, m.Role, m.OrgID, outcome)
}

type seedInput struct {
	OrgID      string
	OrgName    string
	IdentityID string
	Email      string
}

func seed(ctx context.Context, runner *rls.SystemBinder, applier *service.Applier, sink audit.Sink, in seedInput) (*domain.Membership, service.Outcome, error) {
	var (
		m       *domain.Membership
		outcome service.Outcome
	)
	ctx, scope := audit.WithScope(ctx)
	err := runner.InTx(ctx, &sql.TxOptions{}, func(ctx context.Context, q rls.Querier) error {
		if _, err := identityrepo.NewPostgresRepository(q).Upsert(ctx, &identitydomain.Identity{
			ID:              in.IdentityID,
			Provider:        identitydomain.IdentityProviderOIDC,
			Email:           in.Email,
			Name:            in.Email,
			Status:          identitydomain.IdentityStatusActive,
			SourceUpdatedAt: seedEpoch,
		}); err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		if _, err := orgrepo.NewPostgresRepository(q).UpsertOrganization(ctx, &orgdomain.Org{
			ID:              in.OrgID,
			Name:            in.OrgName,
			Status:          orgdomain.OrgStatusActive,
			SourceUpdatedAt: seedEpoch,
		}); err != nil {
			return fmt.Errorf("organization: %w", err)
		}
		var err error
		m, outcome, err = applier.Apply(ctx, q, service.Change{
			IdentityID:      in.IdentityID,
			OrgID:           in.OrgID,
			Role:            domain.RoleOwner,
			Status:          domain.StatusActive,
			Source:          domain.SourceBootstrap,
			SourceUpdatedAt: seedEpoch,
		})
		return err
	})
	if err != nil {
		return nil, "", err
	}

	rec := audit.New(audit.EventAdminOverride, audit.EntityMembership, in.IdentityID, in.OrgID)
	rec.Actor = "system:" + job
	rec.Success = true
	rec.Metadata["operation"] = "seed"
	rec.Metadata["outcome"] = string(outcome)
	scope.Annotate(rec)
	if err := sink.Append(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("audit: %w", err)
	}
	return m, outcome, nil
}
