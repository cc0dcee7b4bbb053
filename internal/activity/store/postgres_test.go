package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/activity/models"
	id "securebase/pkg/domain"
)

func TestPostgresAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := id.TenantID(uuid.New())
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e := models.Entry{
		ID:           models.DeriveID(tenantID, models.VerbTenantCreated, "k"),
		TenantID:     tenantID,
		Actor:        models.ActorSystem,
		Verb:         models.VerbTenantCreated,
		ResourceType: models.ResourceTenant,
		ResourceID:   tenantID.String(),
		Diff:         map[string]any{"status": "pending"},
		OccurredAt:   now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO activity_entries (id, tenant_id, actor, verb, resource_type, resource_id, diff, client_ip, user_agent, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10), ($11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, NewPostgres(db).Append(context.Background(), e, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := id.TenantID(uuid.New())
	entryID := uuid.New()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f := models.Filter{TenantID: tenantID, Start: now.Add(-time.Hour), End: now, Verb: models.VerbAccessDenied, Limit: 10}

	mock.ExpectQuery(`SELECT DISTINCT ON \(id\).*SELECT COUNT\(\*\) FROM deduped`).
		WithArgs(uuid.UUID(tenantID), f.Start, f.End, f.Verb, "", "").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT DISTINCT ON \(id\).*FROM deduped\s+ORDER BY occurred_at DESC, id\s+LIMIT \$7 OFFSET \$8`).
		WithArgs(uuid.UUID(tenantID), f.Start, f.End, f.Verb, "", "", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "actor", "verb", "resource_type", "resource_id", "diff", "client_ip", "user_agent", "occurred_at"}).
			AddRow(entryID.String(), tenantID.String(), "p-1", models.VerbAccessDenied, models.ResourceEvidence, "t2", []byte(`{"target":"t2"}`), "203.0.113.0", "curl/8", now))

	page, err := NewPostgres(db).List(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, id.EntryID(entryID), page.Entries[0].ID)
	assert.Equal(t, "t2", page.Entries[0].Diff["target"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEmptySkipsPageQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM deduped`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	page, err := NewPostgres(db).List(context.Background(), models.Filter{TenantID: id.TenantID(uuid.New()), Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Entries)
	require.NoError(t, mock.ExpectationsWereMet())
}
