// Worker consumes identity provider events from Kafka and runs the scheduled reconciliation.
// Set KAFKA_BROKERS, IDENTITY_EVENTS_TOPIC and WEBHOOK_SIGNING_SECRET to consume; RECONCILE_SCHEDULE
// empty disables the cron.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tenant-control-plane/internal/app"
	"tenant-control-plane/internal/config"
	"tenant-control-plane/internal/idpsync"
	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/reconcile"
)

const serviceName = "tenant-control-plane-worker"

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
		zl.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 && cfg.ReconcileSchedule == "" {
		return errors.New("worker: nothing to do; set KAFKA_BROKERS or RECONCILE_SCHEDULE")
	}

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

	if cfg.ReconcileSchedule != "" {
		rec := reconcile.New(infra.System(reconcile.Job), reconcile.PostgresStores(), infra.Audit, zl)
		sched, err := reconcile.NewScheduler(cfg.ReconcileSchedule, rec, zl)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
		}()
		zl.Info("reconciliation scheduled", zap.String("schedule", cfg.ReconcileSchedule))
	}

	if len(brokers) == 0 {
		<-ctx.Done()
		zl.Info("worker: stopped")
		return nil
	}

	// Forwarded deliveries keep the provider's signature headers and are verified like webhooks.
	sigs, err := idpsync.NewVerifier(cfg.WebhookSigningSecret, cfg.WebhookTolerance)
	if err != nil {
		return err
	}
	sync, err := infra.Synchronizer(idpsync.Job, sigs)
	if err != nil {
		return err
	}
	reader := idpsync.NewKafkaReader(brokers, cfg.IdentityEventsTopic, cfg.KafkaGroupID)
	consumer := idpsync.NewConsumer(reader, sync, zl)
	defer consumer.Close()

	zl.Info("worker: consuming identity events",
		zap.String("topic", cfg.IdentityEventsTopic),
		zap.String("group", cfg.KafkaGroupID))
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	zl.Info("worker: stopped")
	return nil
}
