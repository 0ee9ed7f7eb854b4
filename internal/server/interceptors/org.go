package interceptors

import (
	"context"

	"google.golang.org/grpc"

	"tenant-control-plane/internal/tenancy"
)

// OrganizationMetadata names the caller's preferred organization in request metadata.
const OrganizationMetadata = "x-organization-id"

// OrgResolver is implemented by *tenancy.Resolver.
type OrgResolver interface {
	Resolve(ctx context.Context, identityID, preferredOrg string) (tenancy.OrganizationContext, error)
}

// OrgContextUnary resolves the authenticated caller into one organization. Public methods and
// unauthenticated calls pass through untouched; PermissionUnary rejects the latter.
func OrgContextUnary(resolver OrgResolver, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		caller, ok := tenancy.CallerFrom(ctx)
		if publicMethods[info.FullMethod] || !ok {
			return handler(ctx, req)
		}
		preferred := firstMetadata(ctx, OrganizationMetadata)
		if preferred == "" {
			preferred, _ = ctx.Value(hintKey{}).(string)
		}
		oc, err := resolver.Resolve(ctx, caller.IdentityID, preferred)
		if err != nil {
			return nil, ToStatus(err)
		}
		return handler(tenancy.WithOrganization(ctx, oc.WithSession(caller.SessionID)), req)
	}
}
