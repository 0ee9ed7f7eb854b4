package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"tenant-control-plane/internal/audit"
	auditdomain "tenant-control-plane/internal/audit/domain"
	audithandler "tenant-control-plane/internal/audit/handler"
	healthhandler "tenant-control-plane/internal/health/handler"
	"tenant-control-plane/internal/membership/domain"
	orgdomain "tenant-control-plane/internal/organization/domain"
	"tenant-control-plane/internal/security"
	"tenant-control-plane/internal/server/middleware"
	"tenant-control-plane/internal/tenancy"
	tenancyhandler "tenant-control-plane/internal/tenancy/handler"
)

// mockServiceRegistrar implements grpc.ServiceRegistrar for testing.
type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	m.services = append(m.services, desc.ServiceName)
}

func TestRegisterServices_AllServicesRegistered(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, GRPCDeps{})
	assert.Equal(t, []string{"grpc.health.v1.Health", "tenant.v1.TenantContextService"}, reg.services)
}

type lookup map[string]tenancy.Candidate

func (l lookup) ActiveMemberships(_ context.Context, identityID, orgID string) ([]tenancy.Candidate, error) {
	c, ok := l[identityID]
	if !ok || (orgID != "" && orgID != c.Membership.OrgID) {
		return nil, nil
	}
	return []tenancy.Candidate{c}, nil
}

func member(identity string, role domain.Role, orgStatus orgdomain.OrgStatus) tenancy.Candidate {
	return tenancy.Candidate{
		Membership: &domain.Membership{ID: "m_" + identity, IdentityID: identity, OrgID: "org_A", Role: role, Status: domain.StatusActive},
		Org:        &orgdomain.Org{ID: "org_A", Name: "Clinic A", Status: orgStatus},
	}
}

func newResolver() *tenancy.Resolver {
	return tenancy.NewResolver(lookup{
		"user_staff":  member("user_staff", domain.RoleStaff, orgdomain.OrgStatusActive),
		"user_admin":  member("user_admin", domain.RoleAdmin, orgdomain.OrgStatusActive),
		"user_frozen": member("user_frozen", domain.RoleAdmin, orgdomain.OrgStatusSuspended),
	}, nil, time.Second, nil)
}

func TestRouter_EndToEnd(t *testing.T) {
	issuer := security.NewTestIssuer()
	enf := middleware.NewEnforcer(issuer.Verifier(), newResolver(), audit.NewDecisionLogger(audit.NewMemorySink(), nil, false, middleware.ClientIP), nil)
	listed := func(context.Context, tenancy.OrganizationContext, int, int) ([]*auditdomain.Record, error) { return nil, nil }
	webhookHit := false

	h := NewRouter(HTTPDeps{
		Enforcer: enf,
		Health:   healthhandler.NewChecker(nil, nil, nil),
		Me:       tenancyhandler.NewMe(nil),
		Audit:    audithandler.NewHandler(listed, nil),
		Webhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			webhookHit = true
			w.WriteHeader(http.StatusOK)
		}),
	})

	cases := []struct {
		name, method, path, identity string
		want                         int
	}{
		{"liveness", http.MethodGet, "/healthz", "", http.StatusOK},
		{"readiness", http.MethodGet, "/readyz", "", http.StatusOK},
		{"me unauthenticated", http.MethodGet, "/v1/me", "", http.StatusUnauthorized},
		{"me staff", http.MethodGet, "/v1/me", "user_staff", http.StatusOK},
		{"me no membership", http.MethodGet, "/v1/me", "user_ghost", http.StatusForbidden},
		{"me suspended org", http.MethodGet, "/v1/me", "user_frozen", http.StatusForbidden},
		{"audit staff", http.MethodGet, "/v1/audit", "user_staff", http.StatusForbidden},
		{"audit admin", http.MethodGet, "/v1/audit", "user_admin", http.StatusOK},
		{"webhook without token", http.MethodPost, "/webhooks/identity", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.identity != "" {
				req.Header.Set("Authorization", "Bearer "+issuer.Issue(tc.identity, "sess_1", "", time.Minute))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
	assert.True(t, webhookHit)
}

func dialBufconn(t *testing.T, s *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCServer_WhoAmIAndHealth(t *testing.T) {
	issuer := security.NewTestIssuer()
	conn := dialBufconn(t, NewGRPCServer(GRPCDeps{Verifier: issuer.Verifier(), Resolver: newResolver()}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err, "health is public")
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	out := new(structpb.Struct)
	err = conn.Invoke(ctx, tenancyhandler.WhoAmIMethod, &emptypb.Empty{}, out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+issuer.Issue("user_staff", "sess_1", "", time.Minute))
	require.NoError(t, conn.Invoke(authed, tenancyhandler.WhoAmIMethod, &emptypb.Empty{}, out))
	assert.Equal(t, "org_A", out.GetFields()["org_id"].GetStringValue())
	assert.Equal(t, "staff", out.GetFields()["role"].GetStringValue())

	frozen := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+issuer.Issue("user_frozen", "sess_1", "", time.Minute))
	err = conn.Invoke(frozen, tenancyhandler.WhoAmIMethod, &emptypb.Empty{}, out)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
