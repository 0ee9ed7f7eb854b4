// Server serves the tenant HTTP API, the gRPC surface and the identity provider webhook.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/app"
	"tenant-control-plane/internal/audit"
	audithandler "tenant-control-plane/internal/audit/handler"
	"tenant-control-plane/internal/config"
	healthhandler "tenant-control-plane/internal/health/handler"
	"tenant-control-plane/internal/idpsync"
	"tenant-control-plane/internal/logger"
	membershiphandler "tenant-control-plane/internal/membership/handler"
	"tenant-control-plane/internal/membership/service"
	"tenant-control-plane/internal/security"
	"tenant-control-plane/internal/server"
	"tenant-control-plane/internal/server/interceptors"
	"tenant-control-plane/internal/server/middleware"
	"tenant-control-plane/internal/tenancy"
	tenancyhandler "tenant-control-plane/internal/tenancy/handler"
)

const serviceName = "tenant-control-plane"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.New(ctx, cfg, zl, serviceName)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := infra.Close(shutdownCtx); err != nil {
			zl.Warn("infrastructure close", zap.Error(err))
		}
	}()

	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	verifier := security.NewVerifier(pub, cfg.JWTIssuer, cfg.JWTAudience)

	store := tenancy.NewPostgresStore(infra.Binder)
	toucher := tenancy.NewToucher(store, cfg.ActivityTouchInterval, zl)
	defer toucher.Wait()
	resolver := tenancy.NewResolver(store, toucher, cfg.ResolveTimeout, zl)

	decisions := audit.NewDecisionLogger(infra.Audit, zl, cfg.AuditAllowedDecisions, clientIP)
	health := healthhandler.NewChecker(infra.DB, infra.Policy, zl)

	members := service.NewService(service.BinderRunner{Binder: infra.Binder}, infra.Applier, infra.Audit, zl)

	deps := server.HTTPDeps{
		Enforcer: middleware.NewEnforcer(verifier, resolver, decisions, zl),
		Health:   health,
		Members:  membershiphandler.NewHandler(members, zl),
		Audit:    audithandler.NewHandler(audithandler.BinderLister(infra.Binder), zl),
		Me:       tenancyhandler.NewMe(zl),
		Log:      zl,
	}
	if cfg.WebhookSigningSecret != "" {
		sigs, err := idpsync.NewVerifier(cfg.WebhookSigningSecret, cfg.WebhookTolerance)
		if err != nil {
			return err
		}
		sync, err := infra.Synchronizer(idpsync.Job+"-webhook", sigs)
		if err != nil {
			return err
		}
		deps.Webhook = idpsync.NewWebhookHandler(sync, zl)
	} else {
		zl.Warn("WEBHOOK_SIGNING_SECRET not set; identity webhook disabled")
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv := server.NewGRPCServer(server.GRPCDeps{
		Verifier:  verifier,
		Resolver:  resolver,
		Decisions: decisions,
		Health:    health,
		Log:       zl,
	})
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	defer lis.Close()

	errc := make(chan error, 2)
	go func() {
		zl.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		errc <- grpcSrv.Serve(lis)
	}()
	go func() {
		zl.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			zl.Error("listener failed", zap.Error(err))
		}
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	zl.Info("stopped")
	return nil
}

// clientIP prefers the address recorded by the HTTP enforcer and falls back to the gRPC peer.
func clientIP(ctx context.Context) string {
	if ip := middleware.ClientIP(ctx); ip != "" {
		return ip
	}
	return interceptors.ClientIP(ctx)
}
