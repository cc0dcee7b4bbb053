package principal

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/platform/database"
	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

func newAdmin(t *testing.T, tenantID id.TenantID) *models.Principal {
	t.Helper()
	p, err := models.NewInvitedAdmin(id.PrincipalID(uuid.New()), tenantID, "owner@example.com", "Owner", "hash", time.Now())
	require.NoError(t, err)
	return p
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	tenantA := id.TenantID(uuid.New())
	tenantB := id.TenantID(uuid.New())
	store := NewInMemory()

	admin := newAdmin(t, tenantA)
	require.NoError(t, store.Create(ctx, admin))
	assert.ErrorIs(t, store.Create(ctx, admin), sentinel.ErrAlreadyUsed)

	n, err := store.CountAdmins(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.FindByID(ctx, tenantB, admin.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	err = database.NewMemoryTxRunner().WithTenantScope(ctx, tenantB, func(ctx context.Context) error {
		n, err := store.CountAdmins(ctx, tenantA)
		require.NoError(t, err)
		assert.Zero(t, n)
		return store.Create(ctx, newAdmin(t, tenantA))
	})
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestPostgresCreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO principals").WillReturnError(&pgconn.PgError{Code: "23505"})
	err = NewPostgres(db).Create(context.Background(), newAdmin(t, id.TenantID(uuid.New())))
	assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCountAdmins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := id.TenantID(uuid.New())
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM principals`).
		WithArgs(uuid.UUID(tenantID)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := NewPostgres(db).CountAdmins(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
