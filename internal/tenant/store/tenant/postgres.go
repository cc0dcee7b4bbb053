package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
	txcontext "securebase/pkg/platform/tx"
)

var (
	ErrDuplicateID  = fmt.Errorf("tenant id exists: %w", sentinel.ErrAlreadyUsed)
	ErrContactTaken = fmt.Errorf("contact owns a live tenant: %w", sentinel.ErrAlreadyUsed)
)

const liveContactIndex = "idx_tenants_live_contact"

// PostgresStore persists tenants in PostgreSQL. The tenants table is the
// registry itself and is not subject to row-level security.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, t *models.Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is required")
	}
	query := `
		INSERT INTO tenants (id, name, contact, tier, framework, status, account_id, role_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := txcontext.Q(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(t.ID),
		t.Name,
		t.Contact,
		string(t.Tier),
		t.Framework,
		string(t.Status),
		t.Delegation.AccountID,
		t.Delegation.RoleName,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == liveContactIndex {
				return fmt.Errorf("contact %s: %w", t.Contact, ErrContactTaken)
			}
			return fmt.Errorf("tenant %s: %w", t.ID, ErrDuplicateID)
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

const selectTenant = `
	SELECT id, name, contact, tier, framework, status, account_id, role_name, created_at, updated_at
	FROM tenants
`

func (s *PostgresStore) FindByID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	t, err := scanTenant(txcontext.Q(ctx, s.db).QueryRowContext(ctx, selectTenant+` WHERE id = $1`, uuid.UUID(tenantID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find tenant by id: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) FindLiveByContact(ctx context.Context, contact string) (*models.Tenant, error) {
	t, err := scanTenant(txcontext.Q(ctx, s.db).QueryRowContext(ctx,
		selectTenant+` WHERE lower(contact) = lower($1) AND status <> 'terminated'`, contact))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find tenant by contact: %w", err)
	}
	return t, nil
}

// UpdateStatus is a compare-and-set on the current status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, tenantID id.TenantID, from, to models.Status, at time.Time) error {
	res, err := txcontext.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE tenants SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, uuid.UUID(tenantID), string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant status rows: %w", err)
	}
	if rows == 0 {
		if _, err := s.FindByID(ctx, tenantID); err != nil {
			return err
		}
		return fmt.Errorf("tenant is not %s: %w", from, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := txcontext.Q(ctx, s.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tenants: %w", err)
	}
	return count, nil
}

type tenantRow interface {
	Scan(dest ...any) error
}

func scanTenant(row tenantRow) (*models.Tenant, error) {
	var (
		t        models.Tenant
		tenantID uuid.UUID
		tier     string
		status   string
	)
	if err := row.Scan(&tenantID, &t.Name, &t.Contact, &tier, &t.Framework, &status,
		&t.Delegation.AccountID, &t.Delegation.RoleName, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ID = id.TenantID(tenantID)
	t.Tier = models.Tier(tier)
	t.Status = models.Status(status)
	return &t, nil
}
