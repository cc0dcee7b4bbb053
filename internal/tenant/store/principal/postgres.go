package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
	txcontext "securebase/pkg/platform/tx"
)

// PostgresStore persists principals. Every call is expected to run inside a
// tenant scope; row-level security hides other tenants' rows.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *models.Principal) error {
	_, err := txcontext.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO principals (id, tenant_id, email, display_name, role, status, credential_hash, setup_token_hash, mfa_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.UUID(p.ID),
		uuid.UUID(p.TenantID),
		p.Email,
		p.DisplayName,
		string(p.Role),
		string(p.Status),
		p.CredentialHash,
		p.SetupTokenHash,
		p.MFAEnabled,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("principal %s: %w", p.ID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID id.TenantID, principalID id.PrincipalID) (*models.Principal, error) {
	var (
		p      models.Principal
		pid    uuid.UUID
		tid    uuid.UUID
		role   string
		status string
	)
	err := txcontext.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, tenant_id, email, display_name, role, status, credential_hash, setup_token_hash, mfa_enabled, created_at, updated_at
		FROM principals
		WHERE tenant_id = $1 AND id = $2
	`, uuid.UUID(tenantID), uuid.UUID(principalID)).Scan(
		&pid, &tid, &p.Email, &p.DisplayName, &role, &status,
		&p.CredentialHash, &p.SetupTokenHash, &p.MFAEnabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find principal: %w", err)
	}
	p.ID = id.PrincipalID(pid)
	p.TenantID = id.TenantID(tid)
	p.Role = models.Role(role)
	p.Status = models.PrincipalStatus(status)
	return &p, nil
}

func (s *PostgresStore) CountAdmins(ctx context.Context, tenantID id.TenantID) (int, error) {
	var n int
	err := txcontext.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM principals
		WHERE tenant_id = $1 AND role = 'admin' AND status <> 'disabled'
	`, uuid.UUID(tenantID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}
