package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-control-plane/internal/identity/domain"
)

var identityCols = []string{"id", "provider", "email", "name", "status", "source_updated_at", "synced_at", "created_at", "updated_at"}

func TestUpsert_ScrubbedIdentity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(sqlx.NewDb(db, "pgx"))

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	i := &domain.Identity{ID: "user_1", Email: "a@example.com", Name: "Ann", SourceUpdatedAt: at, SyncedAt: at}
	i.Scrub(at)

	mock.ExpectQuery(`INSERT INTO identities`).
		WithArgs("user_1", "clerk", "", "", "deleted", at, at).
		WillReturnRows(sqlmock.NewRows(identityCols).AddRow("user_1", "clerk", "", "", "deleted", at, at, at, at))

	got, err := repo.Upsert(context.Background(), i)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusDeleted, got.Status)
	assert.Empty(t, got.Email)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_Stale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(sqlx.NewDb(db, "pgx"))

	mock.ExpectQuery(`INSERT INTO identities`).WillReturnRows(sqlmock.NewRows(identityCols))
	_, err = repo.Upsert(context.Background(), &domain.Identity{ID: "user_1"})
	assert.ErrorIs(t, err, ErrStale)

	mock.ExpectQuery(`FROM identities WHERE id`).WithArgs("user_9").WillReturnRows(sqlmock.NewRows(identityCols))
	got, err := repo.GetByID(context.Background(), "user_9")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
