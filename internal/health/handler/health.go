package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"tenant-control-plane/internal/logger"
)

// Pinger is implemented by *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is implemented by the bootstrap policy evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Checker runs the readiness checks shared by the HTTP and gRPC health surfaces.
// A nil Pinger or PolicyChecker is skipped.
type Checker struct {
	pinger Pinger
	policy PolicyChecker
	log    *zap.Logger
}

// NewChecker returns a Checker over the given dependencies.
func NewChecker(pinger Pinger, policy PolicyChecker, log *zap.Logger) *Checker {
	return &Checker{pinger: pinger, policy: policy, log: logger.OrNop(log)}
}

// Ready returns the name of the first failing check, or "" when every check passes.
func (c *Checker) Ready(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if c.pinger != nil {
		if err := c.pinger.PingContext(ctx); err != nil {
			c.log.Warn("readiness: database ping failed", zap.Error(err))
			return "database"
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			c.log.Warn("readiness: policy check failed", zap.Error(err))
			return "policy"
		}
	}
	return ""
}

// Server implements grpc.health.v1.Health. Every service name reports the same readiness.
type Server struct {
	healthpb.UnimplementedHealthServer
	checker *Checker
}

// NewServer returns a gRPC health server backed by checker.
func NewServer(checker *Checker) *Server {
	return &Server{checker: checker}
}

// Check reports SERVING when every readiness check passes. A failing check is reported as
// NOT_SERVING, never as an RPC error.
func (s *Server) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.checker.Ready(ctx) != "" {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

func (s *Server) Watch(*healthpb.HealthCheckRequest, healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}

// Liveness answers /healthz. It never touches dependencies.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness answers /readyz with 503 and the failing check's name when not ready.
func (c *Checker) Readiness(w http.ResponseWriter, r *http.Request) {
	if failed := c.Ready(r.Context()); failed != "" {
		writeStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "check": failed})
		return
	}
	writeStatus(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
