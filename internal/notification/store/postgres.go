package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"securebase/internal/notification/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
	txcontext "securebase/pkg/platform/tx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, d *models.Delivery) error {
	_, err := txcontext.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO notification_deliveries (id, tenant_id, channel, template_id, recipient, vars_ciphertext, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		uuid.UUID(d.ID),
		uuid.UUID(d.TenantID),
		string(d.Channel),
		d.TemplateID,
		d.Recipient,
		d.SealedVars,
		string(d.Status),
		d.Attempts,
		d.LastError,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("delivery %s: %w", d.ID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID id.TenantID, deliveryID id.NotificationID) (*models.Delivery, error) {
	var (
		d       models.Delivery
		did     uuid.UUID
		tid     uuid.UUID
		channel string
		status  string
	)
	err := txcontext.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, tenant_id, channel, template_id, recipient, vars_ciphertext, status, attempts, last_error, created_at, updated_at
		FROM notification_deliveries
		WHERE tenant_id = $1 AND id = $2
	`, uuid.UUID(tenantID), uuid.UUID(deliveryID)).Scan(
		&did, &tid, &channel, &d.TemplateID, &d.Recipient, &d.SealedVars, &status, &d.Attempts, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find delivery: %w", err)
	}
	d.ID = id.NotificationID(did)
	d.TenantID = id.TenantID(tid)
	d.Channel = models.Channel(channel)
	d.Status = models.Status(status)
	return &d, nil
}

func (s *PostgresStore) Update(ctx context.Context, d *models.Delivery) error {
	res, err := txcontext.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE notification_deliveries
		SET status = $3, attempts = $4, last_error = $5, updated_at = $6,
		    vars_ciphertext = CASE WHEN $3 = 'pending' THEN vars_ciphertext ELSE NULL END
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
	`, uuid.UUID(d.TenantID), uuid.UUID(d.ID), string(d.Status), d.Attempts, d.LastError, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delivery %s is not pending: %w", d.ID, sentinel.ErrInvalidState)
	}
	return nil
}
