// Package handler exposes the caller's resolved organization context over HTTP and gRPC.
package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"tenant-control-plane/internal/logger"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/server/middleware"
	"tenant-control-plane/internal/tenancy"
)

// WhoAmIMethod is the full gRPC method name of WhoAmI.
const WhoAmIMethod = "/tenant.v1.TenantContextService/WhoAmI"

// Context is the API view of an OrganizationContext.
type Context struct {
	IdentityID  string   `json:"identity_id"`
	SessionID   string   `json:"session_id,omitempty"`
	OrgID       string   `json:"org_id"`
	OrgName     string   `json:"org_name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func view(oc tenancy.OrganizationContext) Context {
	perms := oc.Permissions()
	out := Context{
		IdentityID:  oc.IdentityID(),
		SessionID:   oc.SessionID(),
		OrgID:       oc.OrgID(),
		OrgName:     oc.OrgName(),
		Role:        string(oc.Role()),
		Permissions: make([]string, 0, len(perms)),
	}
	for _, p := range perms {
		out.Permissions = append(out.Permissions, string(p))
	}
	return out
}

// Me serves GET /v1/me.
type Me struct {
	log *zap.Logger
}

func NewMe(log *zap.Logger) *Me { return &Me{log: logger.OrNop(log)} }

func (h *Me) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	oc, ok := tenancy.FromContext(r.Context())
	if !ok {
		middleware.WriteError(w, h.log, errs.ErrNoTenant)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, view(oc))
}

// WhoAmIServer is the gRPC surface of the organization context.
type WhoAmIServer interface {
	WhoAmI(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// Server implements WhoAmIServer from the context installed by the gRPC interceptors.
type Server struct{}

func NewServer() *Server { return &Server{} }

func (s *Server) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	oc, ok := tenancy.FromContext(ctx)
	if !ok {
		return nil, errs.ErrNoTenant
	}
	v := view(oc)
	perms := make([]any, 0, len(v.Permissions))
	for _, p := range v.Permissions {
		perms = append(perms, p)
	}
	return structpb.NewStruct(map[string]any{
		"identity_id": v.IdentityID,
		"session_id":  v.SessionID,
		"org_id":      v.OrgID,
		"org_name":    v.OrgName,
		"role":        v.Role,
		"permissions": perms,
	})
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WhoAmIServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WhoAmIMethod}
	h := func(ctx context.Context, req any) (any, error) {
		return srv.(WhoAmIServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, h)
}

// ServiceDesc describes tenant.v1.TenantContextService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tenant.v1.TenantContextService",
	HandlerType: (*WhoAmIServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tenant/v1/context.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv WhoAmIServer) {
	s.RegisterService(&ServiceDesc, srv)
}
