package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenant-control-plane/internal/audit"
	healthhandler "tenant-control-plane/internal/health/handler"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/platform/rbac"
	"tenant-control-plane/internal/server/interceptors"
	tenancyhandler "tenant-control-plane/internal/tenancy/handler"
)

// GRPCDeps holds the dependencies of the gRPC surface.
type GRPCDeps struct {
	Verifier  interceptors.TokenVerifier
	Resolver  interceptors.OrgResolver
	Decisions *audit.DecisionLogger
	Health    *healthhandler.Checker
	Log       *zap.Logger
}

// PublicMethods are served without a bearer token.
var PublicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// MethodRequirements maps full method names to their permission requirement. Protected methods
// missing here require any active membership.
var MethodRequirements = map[string]rbac.Requirement{
	tenancyhandler.WhoAmIMethod: rbac.AtLeast(domain.RoleViewer),
}

// NewGRPCServer returns a gRPC server with every service registered and the interceptor chain:
// errors, logging, auth, organization resolution, permission check.
func NewGRPCServer(d GRPCDeps, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.ErrorsUnary(d.Log),
			interceptors.LoggingUnary(d.Log, PublicMethods),
			interceptors.AuthUnary(d.Verifier, PublicMethods),
			interceptors.OrgContextUnary(d.Resolver, PublicMethods),
			interceptors.PermissionUnary(MethodRequirements, PublicMethods, d.Decisions),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)
	RegisterServices(s, d)
	return s
}

// RegisterServices registers every gRPC service with s.
//
//   - grpc.health.v1.Health              → internal/health/handler
//   - tenant.v1.TenantContextService     → internal/tenancy/handler
func RegisterServices(s grpc.ServiceRegistrar, d GRPCDeps) {
	checker := d.Health
	if checker == nil {
		checker = healthhandler.NewChecker(nil, nil, d.Log)
	}
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(checker))
	tenancyhandler.Register(s, tenancyhandler.NewServer())
}
