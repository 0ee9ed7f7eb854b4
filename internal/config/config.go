// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tenant-control-plane/internal/membership/domain"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API and webhook receiver listen on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC server listens on.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns    int           `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns    int           `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetime time.Duration `mapstructure:"DB_CONN_MAX_LIFETIME"`

	// JWTPublicKey is the identity provider's PEM-encoded public key, or a path to it.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	// JWTAudience may be empty when the provider does not set aud.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	ResolveTimeout        time.Duration `mapstructure:"RESOLVE_TIMEOUT"`
	ActivityTouchInterval time.Duration `mapstructure:"ACTIVITY_TOUCH_INTERVAL"`

	// WebhookSigningSecret is the whsec_ secret shared with the identity provider. An empty secret
	// disables the webhook receiver.
	WebhookSigningSecret string        `mapstructure:"WEBHOOK_SIGNING_SECRET"`
	WebhookTolerance     time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
	SyncEventTimeout     time.Duration `mapstructure:"SYNC_EVENT_TIMEOUT"`
	SyncMaxAttempts      int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncRetryInitial     time.Duration `mapstructure:"SYNC_RETRY_INITIAL"`
	SyncRetryMax         time.Duration `mapstructure:"SYNC_RETRY_MAX"`

	BootstrapFirstMemberRole string `mapstructure:"BOOTSTRAP_FIRST_MEMBER_ROLE"`
	BootstrapDefaultRole     string `mapstructure:"BOOTSTRAP_DEFAULT_ROLE"`
	// BootstrapSources is a comma-separated list of membership sources the bootstrap policy applies to.
	BootstrapSources string `mapstructure:"BOOTSTRAP_SOURCES"`
	// BootstrapPolicyFile optionally replaces the embedded Rego module.
	BootstrapPolicyFile string `mapstructure:"BOOTSTRAP_POLICY_FILE"`

	// RedisURL enables shared delivery de-duplication (e.g. redis://localhost:6379/0).
	RedisURL string        `mapstructure:"REDIS_URL"`
	DedupTTL time.Duration `mapstructure:"DEDUP_TTL"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. Empty disables the
	// worker's consumer and the Kafka audit mirror.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	IdentityEventsTopic string `mapstructure:"IDENTITY_EVENTS_TOPIC"`
	KafkaGroupID        string `mapstructure:"KAFKA_GROUP_ID"`
	// AuditTopic is the Kafka topic audit records are mirrored to. Empty disables the mirror.
	AuditTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// LokiURL optionally mirrors audit records to Loki (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// AuditAllowedDecisions records allowed enforcement decisions as well as denials.
	AuditAllowedDecisions bool `mapstructure:"AUDIT_ALLOWED_DECISIONS"`

	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`

	// OTelEndpoint is the OTLP gRPC collector endpoint. Empty keeps telemetry in-process.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("RESOLVE_TIMEOUT", 2*time.Second)
	v.SetDefault("ACTIVITY_TOUCH_INTERVAL", time.Minute)
	v.SetDefault("WEBHOOK_SIGNING_SECRET", "")
	v.SetDefault("WEBHOOK_TOLERANCE", 5*time.Minute)
	v.SetDefault("SYNC_EVENT_TIMEOUT", 30*time.Second)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_RETRY_INITIAL", time.Second)
	v.SetDefault("SYNC_RETRY_MAX", 4*time.Second)
	v.SetDefault("BOOTSTRAP_FIRST_MEMBER_ROLE", string(domain.RoleAdmin))
	v.SetDefault("BOOTSTRAP_DEFAULT_ROLE", string(domain.RoleStaff))
	v.SetDefault("BOOTSTRAP_SOURCES", string(domain.SourceIdentityProvider))
	v.SetDefault("BOOTSTRAP_POLICY_FILE", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DEDUP_TTL", 72*time.Hour)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("IDENTITY_EVENTS_TOPIC", "identity-events")
	v.SetDefault("KAFKA_GROUP_ID", "identity-sync-worker")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("AUDIT_ALLOWED_DECISIONS", false)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 15m")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.SyncMaxAttempts < 1 || c.SyncMaxAttempts > 10 {
		return errors.New("config: SYNC_MAX_ATTEMPTS must be between 1 and 10")
	}
	if c.SyncRetryInitial <= 0 || c.SyncRetryInitial > c.SyncRetryMax {
		return errors.New("config: SYNC_RETRY_INITIAL must be positive and not exceed SYNC_RETRY_MAX")
	}
	if c.SyncEventTimeout <= 0 {
		return errors.New("config: SYNC_EVENT_TIMEOUT must be positive")
	}
	for key, r := range map[string]string{
		"BOOTSTRAP_FIRST_MEMBER_ROLE": c.BootstrapFirstMemberRole,
		"BOOTSTRAP_DEFAULT_ROLE":      c.BootstrapDefaultRole,
	} {
		if !domain.Role(r).Valid() {
			return fmt.Errorf("config: %s %q is not a role", key, r)
		}
	}
	if _, err := c.BootstrapSourceList(); err != nil {
		return err
	}
	if c.Env == "production" && c.WebhookSigningSecret == "" {
		return errors.New("config: WEBHOOK_SIGNING_SECRET must be set when APP_ENV=production")
	}
	return nil
}

// FirstMemberRole returns the bootstrap role of an organization's first member.
func (c *Config) FirstMemberRole() domain.Role { return domain.Role(c.BootstrapFirstMemberRole) }

// DefaultRole returns the bootstrap role of later members.
func (c *Config) DefaultRole() domain.Role { return domain.Role(c.BootstrapDefaultRole) }

// BootstrapSourceList parses BootstrapSources.
func (c *Config) BootstrapSourceList() ([]domain.Source, error) {
	var out []domain.Source
	for _, s := range splitList(c.BootstrapSources) {
		src := domain.Source(s)
		switch src {
		case domain.SourceIdentityProvider, domain.SourceAdmin, domain.SourceBootstrap:
			out = append(out, src)
		default:
			return nil, fmt.Errorf("config: BOOTSTRAP_SOURCES entry %q is not a membership source", s)
		}
	}
	return out, nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka is enabled (non-empty list).
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
