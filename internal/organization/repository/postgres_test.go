package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/organization/domain"
)

var orgCols = []string{"id", "name", "slug", "status", "billing_status", "source_updated_at", "synced_at", "created_at", "updated_at"}

func TestUpsertOrganization(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(sqlx.NewDb(db, "pgx"))

	src := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := src.Add(time.Minute)
	mock.ExpectQuery(`INSERT INTO organizations`).
		WithArgs("org_a", "Acme Care", "acme-care", "active", src, now).
		WillReturnRows(sqlmock.NewRows(orgCols).AddRow("org_a", "Acme Care", "acme-care", "active", "trialing", src, now, now, now))

	o, err := repo.UpsertOrganization(context.Background(), &domain.Org{ID: "org_a", Name: "Acme Care", SourceUpdatedAt: src, SyncedAt: now})
	require.NoError(t, err)
	assert.Equal(t, "trialing", o.BillingStatus)
	assert.True(t, o.IsActive())

	mock.ExpectQuery(`INSERT INTO organizations`).WillReturnRows(sqlmock.NewRows(orgCols))
	_, err = repo.UpsertOrganization(context.Background(), &domain.Org{ID: "org_a", Name: "Old name"})
	assert.ErrorIs(t, err, ErrStale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrganizationByID_NotVisible(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(sqlx.NewDb(db, "pgx"))

	mock.ExpectQuery(`FROM organizations WHERE id = \$1`).WithArgs("org_b").WillReturnRows(sqlmock.NewRows(orgCols))
	o, err := repo.GetOrganizationByID(context.Background(), "org_b")
	require.NoError(t, err)
	assert.Nil(t, o)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeletedWithLiveMembers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(sqlx.NewDb(db, "pgx"))

	mock.ExpectQuery(`WHERE o.status = 'deleted'`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("org_c").AddRow("org_d"))
	ids, err := repo.ListDeletedWithLiveMembers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"org_c", "org_d"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
