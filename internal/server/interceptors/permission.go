package interceptors

import (
	"context"

	"google.golang.org/grpc"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/membership/domain"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/platform/rbac"
	"tenant-control-plane/internal/tenancy"
)

// defaultRequirement applies to protected methods missing from the requirement table.
var defaultRequirement = rbac.AtLeast(domain.RoleViewer)

// PermissionUnary enforces the requirement registered for each full method name and records the
// decision. Public methods skip enforcement.
func PermissionUnary(requirements map[string]rbac.Requirement, publicMethods map[string]bool, decisions *audit.DecisionLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		r, ok := requirements[info.FullMethod]
		if !ok {
			r = defaultRequirement
		}
		_, err := rbac.Require(ctx, r)
		caller, _ := tenancy.CallerFrom(ctx)
		// Denials carry no context from Require; attribute them to the resolved organization.
		var orgID string
		if oc, ok := tenancy.FromContext(ctx); ok {
			orgID = oc.OrgID()
		}
		ar := audit.ParseFullMethod(info.FullMethod)
		decisions.LogDecision(ctx, audit.Decision{
			Actor:    caller.IdentityID,
			OrgID:    orgID,
			Action:   ar.Action,
			Resource: ar.Resource,
			Required: r.String(),
			Allowed:  err == nil,
			Reason:   errs.Code(err),
		})
		if err != nil {
			return nil, ToStatus(err)
		}
		return handler(ctx, req)
	}
}
