package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/audit"
	"tenant-control-plane/internal/audit/domain"
	mdomain "tenant-control-plane/internal/membership/domain"
	orgdomain "tenant-control-plane/internal/organization/domain"
	"tenant-control-plane/internal/tenancy"
)

func withOrg(r *http.Request, orgID string) *http.Request {
	m := &mdomain.Membership{ID: "m1", IdentityID: "user_admin", OrgID: orgID, Role: mdomain.RoleAdmin, Status: mdomain.StatusActive}
	oc := tenancy.NewOrganizationContext("user_admin", m, &orgdomain.Org{ID: orgID, Name: "Clinic", Status: orgdomain.OrgStatusActive})
	return r.WithContext(tenancy.WithOrganization(r.Context(), oc))
}

func TestHandler_ListsCallerOrganization(t *testing.T) {
	var gotOrg string
	var gotLimit, gotOffset int
	list := func(_ context.Context, oc tenancy.OrganizationContext, limit, offset int) ([]*domain.Record, error) {
		gotOrg, gotLimit, gotOffset = oc.OrgID(), limit, offset
		rec := audit.New(audit.EventAdminOverride, audit.EntityMembership, "m2", oc.OrgID())
		rec.Actor = "user_admin"
		rec.Success = true
		return []*domain.Record{rec}, nil
	}
	rec := httptest.NewRecorder()
	NewHandler(list, nil).ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/v1/audit?limit=10&offset=20", nil), "org_A"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org_A", gotOrg)
	assert.Equal(t, 10, gotLimit)
	assert.Equal(t, 20, gotOffset)

	var body struct{ Records []Entry }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, audit.EventAdminOverride, body.Records[0].EventType)
}

func TestHandler_Errors(t *testing.T) {
	ok := func(context.Context, tenancy.OrganizationContext, int, int) ([]*domain.Record, error) { return nil, nil }
	failing := func(context.Context, tenancy.OrganizationContext, int, int) ([]*domain.Record, error) {
		return nil, errors.New("connection reset")
	}

	rec := httptest.NewRecorder()
	NewHandler(ok, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "no organization context")

	rec = httptest.NewRecorder()
	NewHandler(ok, nil).ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/v1/audit?limit=abc", nil), "org_A"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewHandler(failing, nil).ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/v1/audit", nil), "org_A"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
