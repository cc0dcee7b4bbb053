package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"securebase/internal/evidence/models"
	id "securebase/pkg/domain"
	txcontext "securebase/pkg/platform/tx"
)

// PostgresStore writes evidence into evidence_records. Callers run it inside
// a tenant scope so every batch of one write shares a transaction.
type PostgresStore struct {
	db      *sql.DB
	ceiling int
}

func NewPostgres(db *sql.DB, ceiling int) *PostgresStore {
	return &PostgresStore{db: db, ceiling: ceiling}
}

const insertColumns = 8

func (s *PostgresStore) Write(ctx context.Context, records []models.Record) error {
	q := txcontext.Q(ctx, s.db)
	for _, batch := range chunks(records) {
		var b strings.Builder
		b.WriteString(`INSERT INTO evidence_records (tenant_id, captured_at, control, resource, status, raw_proof, classifier_version, truncated) VALUES `)
		args := make([]any, 0, len(batch)*insertColumns)
		for i, r := range batch {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(")
			for c := 0; c < insertColumns; c++ {
				if c > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "$%d", i*insertColumns+c+1)
			}
			b.WriteString(")")
			args = append(args,
				uuid.UUID(r.TenantID),
				r.CapturedAt.UTC(),
				r.Control,
				r.Resource,
				string(r.Status),
				r.RawProof,
				r.ClassifierVersion,
				r.Truncated,
			)
		}
		b.WriteString(` ON CONFLICT (tenant_id, captured_at, control, resource) DO NOTHING`)

		if _, err := q.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("insert evidence records: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q models.Query) (*models.Page, error) {
	db := txcontext.Q(ctx, s.db)

	var total int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evidence_records
		WHERE tenant_id = $1 AND ($2::text = '' OR control = $2)`,
		uuid.UUID(q.TenantID), q.Control).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count evidence records: %w", err)
	}

	page := normalizePage(q, total)
	if total == 0 || q.Offset >= total {
		return page, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT tenant_id, captured_at, control, resource, status, raw_proof, classifier_version, truncated
		FROM evidence_records
		WHERE tenant_id = $1 AND ($2::text = '' OR control = $2)
		ORDER BY captured_at DESC, control, resource
		LIMIT $3 OFFSET $4`,
		uuid.UUID(q.TenantID), q.Control, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("query evidence records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r        models.Record
			tenantID uuid.UUID
			status   string
		)
		if err := rows.Scan(&tenantID, &r.CapturedAt, &r.Control, &r.Resource, &status, &r.RawProof, &r.ClassifierVersion, &r.Truncated); err != nil {
			return nil, fmt.Errorf("scan evidence record: %w", err)
		}
		r.TenantID = id.TenantID(tenantID)
		r.Status = models.Status(status)
		r.CapturedAt = r.CapturedAt.UTC()
		page.Records = append(page.Records, r.Reflag(s.ceiling))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence records: %w", err)
	}
	return page, nil
}
