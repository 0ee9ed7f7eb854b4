// tenantctl administers memberships directly against the store. See `tenantctl --help`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tenant-control-plane/internal/app"
	"tenant-control-plane/internal/cli"
	"tenant-control-plane/internal/config"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/membership/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(open).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func open(ctx context.Context) (cli.MemberService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	zl, err := logger.New(cfg.LogLevel, "console", cli.Job)
	if err != nil {
		return nil, nil, err
	}
	infra, err := app.New(ctx, cfg, zl, cli.Job)
	if err != nil {
		return nil, nil, err
	}
	svc := service.NewService(service.BinderRunner{System: infra.System(cli.Job)}, infra.Applier, infra.Audit, zl)
	release := func() {
		if err := infra.Close(context.Background()); err != nil {
			zl.Warn("close", zap.Error(err))
		}
		_ = zl.Sync()
	}
	return svc, release, nil
}
