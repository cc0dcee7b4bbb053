package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"securebase/internal/activity/models"
	id "securebase/pkg/domain"
	txcontext "securebase/pkg/platform/tx"
)

var errForeignTenant = errors.New("entry belongs to another tenant scope")

// PostgresStore persists activity entries. Callers run it inside a tenant
// scope so row-level security applies to both reads and writes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts entries in a single statement, joining the caller's
// transaction when one is in context.
func (s *PostgresStore) Append(ctx context.Context, entries ...models.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 10
	var b strings.Builder
	b.WriteString(`INSERT INTO activity_entries (id, tenant_id, actor, verb, resource_type, resource_id, diff, client_ip, user_agent, occurred_at) VALUES `)
	args := make([]any, 0, len(entries)*cols)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteString(")")

		diff, err := marshalDiff(e.Diff)
		if err != nil {
			return err
		}
		args = append(args,
			uuid.UUID(e.ID),
			uuid.UUID(e.TenantID),
			e.Actor,
			e.Verb,
			e.ResourceType,
			e.ResourceID,
			diff,
			e.ClientIP,
			e.UserAgent,
			e.OccurredAt,
		)
	}

	if _, err := txcontext.Q(ctx, s.db).ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert activity entries: %w", err)
	}
	return nil
}

// dedupedCTE collapses repeated flushes of the same entry id, keeping the
// first recorded copy.
const dedupedCTE = `
	WITH deduped AS (
		SELECT DISTINCT ON (id) id, tenant_id, actor, verb, resource_type, resource_id, diff, client_ip, user_agent, occurred_at
		FROM activity_entries
		WHERE tenant_id = $1
		  AND occurred_at >= $2
		  AND occurred_at <= $3
		  AND ($4::text = '' OR verb = $4)
		  AND ($5::text = '' OR actor = $5)
		  AND ($6::text = '' OR resource_type = $6)
		ORDER BY id, recorded_at
	)`

func (s *PostgresStore) List(ctx context.Context, f models.Filter) (*models.Page, error) {
	q := txcontext.Q(ctx, s.db)
	args := []any{uuid.UUID(f.TenantID), f.Start, f.End, f.Verb, f.Actor, f.ResourceType}

	var total int
	if err := q.QueryRowContext(ctx, dedupedCTE+` SELECT COUNT(*) FROM deduped`, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count activity entries: %w", err)
	}

	page := &models.Page{Total: total, Limit: f.Limit, Offset: f.Offset, Entries: []models.Entry{}}
	if total == 0 || f.Offset >= total {
		return page, nil
	}

	rows, err := q.QueryContext(ctx, dedupedCTE+`
		SELECT id, tenant_id, actor, verb, resource_type, resource_id, diff, client_ip, user_agent, occurred_at
		FROM deduped
		ORDER BY occurred_at DESC, id
		LIMIT $7 OFFSET $8`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("query activity entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        models.Entry
			entryID  uuid.UUID
			tenantID uuid.UUID
			diff     []byte
		)
		if err := rows.Scan(&entryID, &tenantID, &e.Actor, &e.Verb, &e.ResourceType, &e.ResourceID, &diff, &e.ClientIP, &e.UserAgent, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		e.ID = id.EntryID(entryID)
		e.TenantID = id.TenantID(tenantID)
		if len(diff) > 0 {
			if err := json.Unmarshal(diff, &e.Diff); err != nil {
				return nil, fmt.Errorf("decode activity diff: %w", err)
			}
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity entries: %w", err)
	}
	return page, nil
}

func marshalDiff(diff map[string]any) ([]byte, error) {
	if len(diff) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("encode activity diff: %w", err)
	}
	return raw, nil
}
