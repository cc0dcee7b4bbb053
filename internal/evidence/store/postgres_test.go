package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/evidence/models"
	id "securebase/pkg/domain"
)

func TestPostgresWriteBatchesAndSkipsConflicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := id.TenantID(uuid.New())
	records := make([]models.Record, 0, 30)
	for i := range 30 {
		records = append(records, record(tenantID, fmt.Sprintf("b-%d", i), baseTime, models.StatusCompliant))
	}

	conflict := regexp.QuoteMeta(`ON CONFLICT (tenant_id, captured_at, control, resource) DO NOTHING`)
	mock.ExpectExec(`INSERT INTO evidence_records .*\(\$193, \$194, \$195, \$196, \$197, \$198, \$199, \$200\) ` + conflict).
		WillReturnResult(sqlmock.NewResult(0, 25))
	mock.ExpectExec(`INSERT INTO evidence_records .*\(\$33, \$34, \$35, \$36, \$37, \$38, \$39, \$40\) ` + conflict).
		WillReturnResult(sqlmock.NewResult(0, 5))

	require.NoError(t, NewPostgres(db, 64).Write(context.Background(), records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO evidence_records`).WillReturnError(errors.New("connection reset"))

	err = NewPostgres(db, 64).Write(context.Background(), []models.Record{record(id.TenantID(uuid.New()), "a", baseTime, models.StatusCompliant)})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tenantID := id.TenantID(uuid.New())
	q := models.Query{TenantID: tenantID, Control: "encryption_at_rest", Limit: 10}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM evidence_records`).
		WithArgs(uuid.UUID(tenantID), q.Control).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT tenant_id, captured_at, control, resource, status, raw_proof, classifier_version, truncated\s+FROM evidence_records`).
		WithArgs(uuid.UUID(tenantID), q.Control, 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "captured_at", "control", "resource", "status", "raw_proof", "classifier_version", "truncated"}).
			AddRow(tenantID.String(), baseTime, "encryption_at_rest", "logs", "compliant", "{}", 2, false).
			AddRow(tenantID.String(), baseTime, "encryption_at_rest", "legacy", "compliant", strings.Repeat("x", 17), 1, false))

	page, err := NewPostgres(db, 16).List(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, tenantID, page.Records[0].TenantID)
	assert.Equal(t, models.StatusCompliant, page.Records[0].Status)
	assert.False(t, page.Records[0].Truncated)
	assert.True(t, page.Records[1].Truncated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEmptySkipsPageQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM evidence_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	page, err := NewPostgres(db, 16).List(context.Background(), models.Query{TenantID: id.TenantID(uuid.New()), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	require.NoError(t, mock.ExpectationsWereMet())
}
