package credential

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	tenantID := id.TenantID(uuid.New())
	store := NewInMemory()

	c := models.NewCredential(id.CredentialID(uuid.New()), tenantID, "$2a$10$hash", time.Now())
	require.NoError(t, store.Create(ctx, c))
	assert.ErrorIs(t, store.Create(ctx, c), sentinel.ErrAlreadyUsed)
	assert.Equal(t, 1, store.CountByTenant(ctx, tenantID))

	found, err := store.FindByID(ctx, tenantID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", found.SecretHash)

	_, err = store.FindByID(ctx, id.TenantID(uuid.New()), c.ID)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPostgresFindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := id.TenantID(uuid.New())
	credID := id.CredentialID(uuid.New())
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, tenant_id, principal_id, secret_hash").
		WithArgs(uuid.UUID(tenantID), uuid.UUID(credID)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "principal_id", "secret_hash", "status", "created_at", "last_used_at"}).
			AddRow(credID.String(), tenantID.String(), nil, "$2a$10$hash", "active", now, nil))

	c, err := NewPostgres(db).FindByID(context.Background(), tenantID, credID)
	require.NoError(t, err)
	assert.Equal(t, credID, c.ID)
	assert.Nil(t, c.PrincipalID)
	assert.Nil(t, c.LastUsedAt)
	assert.Equal(t, models.CredentialActive, c.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
