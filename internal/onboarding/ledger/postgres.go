package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"securebase/internal/onboarding/models"
	"securebase/pkg/platform/sentinel"
	txcontext "securebase/pkg/platform/tx"
)

// PostgresStore keeps the ledger in payment_events. The table holds no tenant
// data of its own and is not subject to row-level security.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *models.Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payment event payload: %w", err)
	}
	_, err = txcontext.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO payment_events (event_id, status, payload, step, attempts, lease_until, reason, arrived_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.EventID, string(e.Status), payload, int(e.Step), e.Attempts, e.LeaseUntil, e.Reason, e.ArrivedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("payment event %s: %w", e.EventID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

const selectEntry = `
	SELECT event_id, status, payload, step, attempts, lease_until, reason, arrived_at, updated_at
	FROM payment_events
`

func (s *PostgresStore) Find(ctx context.Context, eventID string) (*models.Entry, error) {
	e, err := scanEntry(txcontext.Q(ctx, s.db).QueryRowContext(ctx, selectEntry+` WHERE event_id = $1`, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find payment event: %w", err)
	}
	return e, nil
}

// Acquire is a compare-and-set on (status, lease). A concurrent worker that
// loses the race sees no row and gets ErrInvalidState.
func (s *PostgresStore) Acquire(ctx context.Context, eventID string, now, until time.Time) (*models.Entry, error) {
	e, err := scanEntry(txcontext.Q(ctx, s.db).QueryRowContext(ctx, `
		UPDATE payment_events
		SET status = 'queued', attempts = attempts + 1, lease_until = $3, updated_at = $2
		WHERE event_id = $1
		  AND (status = 'failed' OR (status = 'queued' AND (lease_until IS NULL OR lease_until <= $2)))
		RETURNING event_id, status, payload, step, attempts, lease_until, reason, arrived_at, updated_at
	`, eventID, now, until))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("acquire payment event: %w", err)
	}
	current, findErr := s.Find(ctx, eventID)
	if findErr != nil {
		return nil, findErr
	}
	return nil, fmt.Errorf("payment event %s is %s: %w", eventID, current.Status, sentinel.ErrInvalidState)
}

// Advance, Release and Finish only touch the row while it is queued under
// the caller's attempt. A worker whose lease was taken over gets
// ErrInvalidState.
func (s *PostgresStore) Advance(ctx context.Context, claim models.Claim, step models.Step, now time.Time) error {
	return s.exec(ctx, `
		UPDATE payment_events SET step = GREATEST(step, $3), updated_at = $4
		WHERE event_id = $1 AND attempts = $2 AND status = 'queued'
	`, claim.EventID, claim.Attempt, int(step), now)
}

func (s *PostgresStore) Release(ctx context.Context, claim models.Claim, reason string, now time.Time) error {
	return s.exec(ctx, `
		UPDATE payment_events SET lease_until = NULL, reason = $3, updated_at = $4
		WHERE event_id = $1 AND attempts = $2 AND status = 'queued'
	`, claim.EventID, claim.Attempt, reason, now)
}

func (s *PostgresStore) Finish(ctx context.Context, claim models.Claim, outcome models.Outcome, reason string, now time.Time) error {
	return s.exec(ctx, `
		UPDATE payment_events SET status = $3, lease_until = NULL, reason = $4, updated_at = $5
		WHERE event_id = $1 AND attempts = $2 AND status = 'queued'
	`, claim.EventID, claim.Attempt, string(outcome), reason, now)
}

func (s *PostgresStore) Resumable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := txcontext.Q(ctx, s.db).QueryContext(ctx, `
		SELECT event_id FROM payment_events
		WHERE status = 'queued' AND (lease_until IS NULL OR lease_until <= $1)
		ORDER BY arrived_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable payment events: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("scan payment event id: %w", err)
		}
		ids = append(ids, eventID)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := txcontext.Q(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update payment event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payment event rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("payment event is not queued under this attempt: %w", sentinel.ErrInvalidState)
	}
	return nil
}

type entryRow interface {
	Scan(dest ...any) error
}

func scanEntry(row entryRow) (*models.Entry, error) {
	var (
		e       models.Entry
		status  string
		payload []byte
		step    int
		lease   sql.NullTime
	)
	if err := row.Scan(&e.EventID, &status, &payload, &step, &e.Attempts, &lease, &e.Reason, &e.ArrivedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("decode payment event payload: %w", err)
	}
	e.Status = models.Outcome(status)
	e.Step = models.Step(step)
	if lease.Valid {
		t := lease.Time
		e.LeaseUntil = &t
	}
	return &e, nil
}
