// Package app assembles the infrastructure shared by the server, worker and tooling binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/audit/kafka"
	"tenant-control-plane/internal/audit/loki"
	"tenant-control-plane/internal/audit/repository"
	"tenant-control-plane/internal/config"
	"tenant-control-plane/internal/db"
	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/idpsync"
	"tenant-control-plane/internal/membership/service"
	"tenant-control-plane/internal/policy/engine"
	"tenant-control-plane/internal/telemetry/otel"
)

// Infra is the process-wide infrastructure. Close releases it in reverse order of construction.
type Infra struct {
	Config    *config.Config
	Log       *zap.Logger
	DB        *sqlx.DB
	Binder    *rls.Binder
	Audit     audit.Sink
	Policy    *engine.OPAEvaluator
	Applier   *service.Applier
	Telemetry *otel.Providers

	closers []func(context.Context) error
}

// New opens the database pool, the audit fan-out and the bootstrap policy. serviceName names the
// telemetry resource and the Loki job label.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, serviceName string) (*Infra, error) {
	in := &Infra{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			in.Close(context.Background())
		}
	}()

	providers, err := otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: serviceName,
		Insecure:    cfg.OTelInsecure,
		Log:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()
	in.Telemetry = providers
	in.closers = append(in.closers, providers.Shutdown)

	pool, err := db.Open(cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	in.DB = pool
	in.closers = append(in.closers, func(context.Context) error { return pool.Close() })
	in.Binder = rls.NewBinder(pool, log)

	sink, err := in.auditSink(serviceName, providers)
	if err != nil {
		return nil, err
	}
	in.Audit = sink

	policy, err := loadPolicy(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	in.Policy = policy
	in.Applier = service.NewApplier(service.PostgresRepos, policy)

	ok = true
	return in, nil
}

// auditSink writes to Postgres and mirrors to every configured secondary.
func (in *Infra) auditSink(serviceName string, providers *otel.Providers) (audit.Sink, error) {
	mirrors := []audit.Sink{otel.NewAuditSink(providers.LoggerProvider)}
	if in.Config.LokiURL != "" {
		l, err := loki.NewSink(in.Config.LokiURL, serviceName)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, l)
	}
	if brokers := in.Config.KafkaBrokersList(); len(brokers) > 0 && in.Config.AuditTopic != "" {
		k, err := kafka.NewSink(brokers, in.Config.AuditTopic)
		if err != nil {
			return nil, fmt.Errorf("audit kafka: %w", err)
		}
		mirrors = append(mirrors, k)
		in.closers = append(in.closers, func(context.Context) error { return k.Close() })
	}
	onMirrorError := func(err error) {
		in.Log.Warn("audit mirror failed", zap.Error(err))
	}
	return audit.NewFanout(repository.NewPostgresSink(in.DB), onMirrorError, mirrors...), nil
}

func loadPolicy(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine.OPAEvaluator, error) {
	sources, err := cfg.BootstrapSourceList()
	if err != nil {
		return nil, err
	}
	var module string
	if cfg.BootstrapPolicyFile != "" {
		b, err := os.ReadFile(cfg.BootstrapPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("bootstrap policy: %w", err)
		}
		module = string(b)
	}
	return engine.NewOPAEvaluator(ctx, engine.BootstrapConfig{
		FirstMemberRole: cfg.FirstMemberRole(),
		DefaultRole:     cfg.DefaultRole(),
		Sources:         sources,
	}, module, log)
}

// System returns a SystemBinder attributed to job.
func (in *Infra) System(job string) *rls.SystemBinder {
	return rls.NewSystemBinder(in.Binder, job, in.Audit)
}

// Synchronizer builds the identity-sync pipeline under a SystemBinder for job. verifier may be nil
// for transports that authenticate deliveries themselves.
func (in *Infra) Synchronizer(job string, verifier *idpsync.Verifier) (*idpsync.Synchronizer, error) {
	deliveries, err := in.deliveryLog()
	if err != nil {
		return nil, err
	}
	metrics, err := otel.NewSyncMetrics(in.Telemetry.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("sync metrics: %w", err)
	}
	cfg := in.Config
	return idpsync.NewSynchronizer(verifier, in.System(job), in.Applier, idpsync.PostgresStores(), in.Audit, idpsync.Options{
		Retry: idpsync.RetryConfig{
			MaxAttempts: uint(cfg.SyncMaxAttempts),
			Initial:     cfg.SyncRetryInitial,
			Max:         cfg.SyncRetryMax,
		},
		EventTimeout: cfg.SyncEventTimeout,
		Deliveries:   deliveries,
		Metrics:      metrics,
		Log:          in.Log,
	}), nil
}

// deliveryLog is shared through Redis when configured; the in-memory log only dedups within one process.
func (in *Infra) deliveryLog() (idpsync.DeliveryLog, error) {
	if in.Config.RedisURL == "" {
		in.Log.Info("redis not configured; delivery dedup is process-local")
		return idpsync.NewMemoryDeliveryLog(in.Config.DedupTTL), nil
	}
	opts, err := redis.ParseURL(in.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	in.closers = append(in.closers, func(context.Context) error { return client.Close() })
	return idpsync.NewRedisDeliveryLog(client, in.Config.DedupTTL), nil
}

// Close releases everything New and the builders opened.
func (in *Infra) Close(ctx context.Context) error {
	var errList []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	in.closers = nil
	return errors.Join(errList...)
}
