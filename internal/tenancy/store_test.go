package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/db/rls"
	"tenant-control-plane/internal/membership/domain"
	orgdomain "tenant-control-plane/internal/organization/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(rls.NewBinder(sqlx.NewDb(db, "pgx"), nil)), mock
}

func expectBind(mock sqlmock.Sqlmock, identity, org string) {
	mock.ExpectExec(`set_config\('app.current_identity', \$1`).
		WithArgs(identity, org, "").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectRelease(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`set_config\('app.current_identity', ''`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`current_setting`).WillReturnRows(sqlmock.NewRows([]string{"concat"}).AddRow(""))
}

func TestPostgresStore_ActiveMembershipsUsesIdentityScope(t *testing.T) {
	s, mock := newMockStore(t)
	updated := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	expectBind(mock, "u1", "")
	mock.ExpectQuery(`FROM memberships m\s+JOIN organizations o`).
		WithArgs("u1", "").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "org_id", "role", "permission_overrides", "last_active_at", "updated_at", "org_name", "org_slug", "org_status",
		}).AddRow("m1", "A", "staff", []byte(`{"grant":["data:export"]}`), nil, updated, "Clinic A", "clinic-a", "active"))
	expectRelease(mock)

	cands, err := s.ActiveMemberships(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, domain.RoleStaff, cands[0].Membership.Role)
	assert.True(t, cands[0].Membership.Permissions().Has(domain.PermDataExport))
	assert.Nil(t, cands[0].Membership.LastActiveAt)
	assert.Equal(t, orgdomain.OrgStatusActive, cands[0].Org.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordActivityUsesOrgScope(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	oc := NewOrganizationContext("u1", &domain.Membership{ID: "m1", OrgID: "A", Role: domain.RoleStaff}, nil)

	expectBind(mock, "u1", "A")
	mock.ExpectExec(`UPDATE memberships SET last_active_at`).WithArgs("u1", "A", at).WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock)

	require.NoError(t, s.RecordActivity(context.Background(), oc, at))
	require.NoError(t, mock.ExpectationsWereMet())
}
