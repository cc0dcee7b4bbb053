package credential

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

// PostgresStore persists API credentials. Only secret hashes reach the table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *models.Credential) error {
	var principalID *uuid.UUID
	if c.PrincipalID != nil {
		pid := uuid.UUID(*c.PrincipalID)
		principalID = &pid
	}
	_, err := txcontext.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO api_credentials (id, tenant_id, principal_id, secret_hash, status, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		uuid.UUID(c.ID),
		uuid.UUID(c.TenantID),
		principalID,
		c.SecretHash,
		string(c.Status),
		c.CreatedAt,
		c.LastUsedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("credential %s: %w", c.ID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID id.TenantID, credentialID id.CredentialID) (*models.Credential, error) {
	var (
		c           models.Credential
		cid         uuid.UUID
		tid         uuid.UUID
		principalID uuid.NullUUID
		status      string
		lastUsed    sql.NullTime
	)
	err := txcontext.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, tenant_id, principal_id, secret_hash, status, created_at, last_used_at
		FROM api_credentials
		WHERE tenant_id = $1 AND id = $2
	`, uuid.UUID(tenantID), uuid.UUID(credentialID)).Scan(&cid, &tid, &principalID, &c.SecretHash, &status, &c.CreatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	c.ID = id.CredentialID(cid)
	c.TenantID = id.TenantID(tid)
	if principalID.Valid {
		pid := id.PrincipalID(principalID.UUID)
		c.PrincipalID = &pid
	}
	c.Status = models.CredentialStatus(status)
	if lastUsed.Valid {
		c.LastUsedAt = &lastUsed.Time
	}
	return &c, nil
}
