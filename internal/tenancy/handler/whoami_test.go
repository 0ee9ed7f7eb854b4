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
	"google.golang.org/protobuf/types/known/emptypb"

	"tenant-control-plane/internal/membership/domain"
	orgdomain "tenant-control-plane/internal/organization/domain"
	"tenant-control-plane/internal/platform/errs"
	"tenant-control-plane/internal/tenancy"
)

func staffContext(ctx context.Context) context.Context {
	m := &domain.Membership{ID: "m1", IdentityID: "user_staff", OrgID: "org_A", Role: domain.RoleStaff, Status: domain.StatusActive}
	oc := tenancy.NewOrganizationContext("user_staff", m, &orgdomain.Org{ID: "org_A", Name: "Clinic A", Status: orgdomain.OrgStatusActive})
	return tenancy.WithOrganization(ctx, oc.WithSession("sess_1"))
}

func TestMe_ReturnsResolvedContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	rec := httptest.NewRecorder()
	NewMe(nil).ServeHTTP(rec, req.WithContext(staffContext(req.Context())))

	require.Equal(t, http.StatusOK, rec.Code)
	var got Context
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "org_A", got.OrgID)
	assert.Equal(t, "staff", got.Role)
	assert.Equal(t, "sess_1", got.SessionID)
	assert.Contains(t, got.Permissions, "messages:send")
	assert.NotContains(t, got.Permissions, "members:manage")
}

func TestMe_WithoutOrganization(t *testing.T) {
	rec := httptest.NewRecorder()
	NewMe(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWhoAmI(t *testing.T) {
	out, err := NewServer().WhoAmI(staffContext(context.Background()), &emptypb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "org_A", out.GetFields()["org_id"].GetStringValue())
	assert.Equal(t, "Clinic A", out.GetFields()["org_name"].GetStringValue())

	_, err = NewServer().WhoAmI(context.Background(), &emptypb.Empty{})
	assert.True(t, errors.Is(err, errs.ErrNoTenant))
}
