package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenant-control-plane/internal/platform/origin"
	"tenant-control-plane/internal/security"
	"tenant-control-plane/internal/tenancy"
)

const bearerPrefix = "bearer "

// TokenVerifier is implemented by *security.Verifier.
type TokenVerifier interface {
	Verify(token string) (security.Subject, error)
}

type hintKey struct{}

// AuthUnary returns a unary server interceptor that verifies the Bearer token from gRPC metadata and
// attaches the caller for protected RPCs. Every call it sees is marked as an end-user request.
// publicMethods is the set of full method names that do not require a Bearer token (health checks).
func AuthUnary(verifier TokenVerifier, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = origin.MarkEndUser(ctx)
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token := extractBearer(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		sub, err := verifier.Verify(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		ctx = tenancy.WithCaller(ctx, tenancy.Caller{IdentityID: sub.IdentityID, SessionID: sub.SessionID})
		if sub.OrgHint != "" {
			ctx = context.WithValue(ctx, hintKey{}, sub.OrgHint)
		}
		return handler(ctx, req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	v := firstMetadata(ctx, "authorization")
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
