package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/membership/domain"
	orgdomain "tenant-control-plane/internal/organization/domain"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/platform/origin"
	"tenant-control-plane/internal/platform/rbac"
	"tenant-control-plane/internal/security"
	"tenant-control-plane/internal/tenancy"
)

type fakeResolver struct {
	roles     map[string]domain.Role
	err       error
	preferred string
}

func (f *fakeResolver) Resolve(_ context.Context, identityID, preferredOrg string) (tenancy.OrganizationContext, error) {
	f.preferred = preferredOrg
	if f.err != nil {
		return tenancy.OrganizationContext{}, f.err
	}
	role, ok := f.roles[identityID]
	if !ok {
		return tenancy.OrganizationContext{}, errs.ErrNoTenant
	}
	m := &domain.Membership{ID: "m_" + identityID, IdentityID: identityID, OrgID: "org_A", Role: role, Status: domain.StatusActive}
	return tenancy.NewOrganizationContext(identityID, m, &orgdomain.Org{ID: "org_A", Name: "Clinic A", Status: orgdomain.OrgStatusActive}), nil
}

type harness struct {
	issuer   *security.TestIssuer
	resolver *fakeResolver
	sink     *audit.MemorySink
	router   chi.Router
	seen     tenancy.OrganizationContext
	endUser  bool
}

func newHarness(t *testing.T, req rbac.Requirement) *harness {
	t.Helper()
	h := &harness{
		issuer:   security.NewTestIssuer(),
		resolver: &fakeResolver{roles: map[string]domain.Role{"user_admin": domain.RoleAdmin, "user_staff": domain.RoleStaff}},
		sink:     audit.NewMemorySink(),
	}
	e := NewEnforcer(h.issuer.Verifier(), h.resolver, audit.NewDecisionLogger(h.sink, nil, false, ClientIP), nil)
	r := chi.NewRouter()
	r.With(e.Authenticate, e.ResolveOrganization, e.Require(req)).Get("/v1/members/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.seen, _ = tenancy.FromContext(r.Context())
		h.endUser = origin.IsEndUser(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h.router = r
	return h
}

func (h *harness) do(token string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/members/user_x", nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestEnforcer_AllowsPermittedCaller(t *testing.T) {
	h := newHarness(t, rbac.AllOf(domain.PermMembersManage))
	rec := h.do(h.issuer.Issue("user_admin", "sess_1", "", time.Minute), nil)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "org_A", h.seen.OrgID())
	assert.Equal(t, "sess_1", h.seen.SessionID())
	assert.True(t, h.endUser)
	assert.Zero(t, h.sink.Count(audit.EventAccessDecision), "allows are not recorded by default")
}

func TestEnforcer_StaffLacksManage(t *testing.T) {
	h := newHarness(t, rbac.AllOf(domain.PermMembersManage))
	rec := h.do(h.issuer.Issue("user_staff", "sess_1", "", time.Minute), nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decode(t, rec).Error)
	require.Eventually(t, func() bool { return h.sink.Count(audit.EventAccessDecision) == 1 }, time.Second, 5*time.Millisecond)

	rec0 := h.sink.Records()[0]
	assert.Equal(t, "user_staff", rec0.Actor)
	assert.Equal(t, "org_A", rec0.OrgID)
	assert.Equal(t, "/v1/members/{id}", rec0.EntityID)
	assert.Equal(t, "forbidden", rec0.Reason)
	assert.Equal(t, "all(members:manage)", rec0.Metadata["required"])
	assert.False(t, rec0.Success)
}

func TestEnforcer_UnauthenticatedVariants(t *testing.T) {
	h := newHarness(t, rbac.AtLeast(domain.RoleViewer))
	for name, token := range map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
		"expired": h.issuer.Issue("user_admin", "sess_1", "", -time.Hour),
	} {
		t.Run(name, func(t *testing.T) {
			rec := h.do(token, nil)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "unauthenticated", body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestEnforcer_NoMembershipIsNoTenant(t *testing.T) {
	h := newHarness(t, rbac.AtLeast(domain.RoleViewer))
	rec := h.do(h.issuer.Issue("user_orphan", "sess_1", "", time.Minute), nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "no_tenant", decode(t, rec).Error)
}

func TestEnforcer_InactiveOrganization(t *testing.T) {
	h := newHarness(t, rbac.AtLeast(domain.RoleViewer))
	h.resolver.err = errs.ErrTenantInactive
	rec := h.do(h.issuer.Issue("user_admin", "sess_1", "", time.Minute), nil)

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "tenant_inactive", body.Error)
	assert.NotContains(t, body.Message, "org_A")
}

func TestEnforcer_PreferredOrganization(t *testing.T) {
	h := newHarness(t, rbac.AtLeast(domain.RoleViewer))

	h.do(h.issuer.Issue("user_admin", "sess_1", "org_hint", time.Minute), nil)
	assert.Equal(t, "org_hint", h.resolver.preferred)

	h.do(h.issuer.Issue("user_admin", "sess_1", "org_hint", time.Minute), http.Header{OrganizationHeader: {"org_header"}})
	assert.Equal(t, "org_header", h.resolver.preferred, "header wins over the token hint")
}

func TestRequire_WithoutResolution(t *testing.T) {
	e := NewEnforcer(nil, nil, nil, nil)
	h := e.Require(rbac.AtLeast(domain.RoleViewer))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ctx := tenancy.WithCaller(context.Background(), tenancy.Caller{IdentityID: "user_admin"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "no_tenant", decode(t, rec).Error)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		errs.ErrUnauthenticated: http.StatusUnauthorized,
		errs.ErrNoTenant:        http.StatusForbidden,
		errs.ErrTenantInactive:  http.StatusForbidden,
		errs.ErrForbidden:       http.StatusForbidden,
		errs.ErrNotFound:        http.StatusNotFound,
		errs.ErrInvalidArgument: http.StatusBadRequest,
		context.Canceled:        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}
