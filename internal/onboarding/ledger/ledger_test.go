package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securebase/internal/onboarding/models"
	tenantmodels "securebase/internal/tenant/models"
	"securebase/pkg/platform/sentinel"
)

func request(eventID string) models.Request {
	return models.Request{EventID: eventID, Contact: "owner@example.com", Tier: tenantmodels.TierHealthcare}
}

func TestInMemoryLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now()

	require.NoError(t, s.Insert(ctx, models.NewEntry(request("evt_abc"), now)))
	assert.ErrorIs(t, s.Insert(ctx, models.NewEntry(request("evt_abc"), now)), sentinel.ErrAlreadyUsed)

	e, err := s.Acquire(ctx, "evt_abc", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)

	_, err = s.Acquire(ctx, "evt_abc", now.Add(time.Second), now.Add(time.Minute))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState, "live lease blocks a second worker")

	require.NoError(t, s.Advance(ctx, e.Claim(), models.StepCredentialIssued, now))
	require.NoError(t, s.Advance(ctx, e.Claim(), models.StepTenantCreated, now))

	taken, err := s.Acquire(ctx, "evt_abc", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err, "expired lease is taken over")
	assert.Equal(t, 2, taken.Attempts)
	assert.Equal(t, models.StepCredentialIssued, taken.Step, "step never moves backwards")

	require.NoError(t, s.Finish(ctx, taken.Claim(), models.OutcomeCompleted, "", now))
	_, err = s.Acquire(ctx, "evt_abc", now.Add(time.Hour), now.Add(2*time.Hour))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	assert.ErrorIs(t, s.Release(ctx, taken.Claim(), "late", now), sentinel.ErrInvalidState)

	found, err := s.Find(ctx, "evt_abc")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, found.Status)
	assert.Nil(t, found.LeaseUntil)
}

func TestInMemoryExpiredWorkerCannotWrite(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now()
	require.NoError(t, s.Insert(ctx, models.NewEntry(request("evt_slow"), now)))

	slow, err := s.Acquire(ctx, "evt_slow", now, now.Add(time.Minute))
	require.NoError(t, err)
	fast, err := s.Acquire(ctx, "evt_slow", now.Add(2*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, fast.Attempts)

	assert.ErrorIs(t, s.Advance(ctx, slow.Claim(), models.StepNotified, now), sentinel.ErrInvalidState)
	assert.ErrorIs(t, s.Release(ctx, slow.Claim(), "late", now), sentinel.ErrInvalidState)
	assert.ErrorIs(t, s.Finish(ctx, slow.Claim(), models.OutcomeFailed, "late", now), sentinel.ErrInvalidState)

	current, err := s.Find(ctx, "evt_slow")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeQueued, current.Status)
	assert.Equal(t, models.StepNone, current.Step)
	require.NotNil(t, current.LeaseUntil, "the newer lease is untouched")

	require.NoError(t, s.Advance(ctx, fast.Claim(), models.StepTenantCreated, now))
	require.NoError(t, s.Finish(ctx, fast.Claim(), models.OutcomeCompleted, "", now))
}

func TestInMemoryFailedRowsAreReclaimable(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now()

	require.NoError(t, s.Insert(ctx, models.NewEntry(request("evt_x"), now)))
	first, err := s.Acquire(ctx, "evt_x", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, first.Claim(), models.OutcomeFailed, "upstream_unavailable", now))

	e, err := s.Acquire(ctx, "evt_x", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeQueued, e.Status)
}

func TestInMemoryResumable(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now()

	for i, eventID := range []string{"evt_1", "evt_2", "evt_3", "evt_4"} {
		require.NoError(t, s.Insert(ctx, models.NewEntry(request(eventID), now.Add(time.Duration(i)*time.Second))))
	}
	_, err := s.Acquire(ctx, "evt_2", now, now.Add(time.Hour))
	require.NoError(t, err)
	third, err := s.Acquire(ctx, "evt_3", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.Finish(ctx, third.Claim(), models.OutcomeRejected, "conflict", now))

	ids, err := s.Resumable(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1", "evt_4"}, ids)

	ids, err = s.Resumable(ctx, now.Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, ids)
}

var entryColumns = []string{"event_id", "status", "payload", "step", "attempts", "lease_until", "reason", "arrived_at", "updated_at"}

func TestPostgresInsertDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO payment_events").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = NewPostgres(db).Insert(context.Background(), models.NewEntry(request("evt_abc"), time.Now()))
	assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquire(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	until := now.Add(time.Minute)
	payload, err := json.Marshal(request("evt_abc"))
	require.NoError(t, err)

	mock.ExpectQuery("UPDATE payment_events").
		WithArgs("evt_abc", now, until).
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("evt_abc", "queued", payload, 2, 3, until, "", now, now))

	e, err := NewPostgres(db).Acquire(context.Background(), "evt_abc", now, until)
	require.NoError(t, err)
	assert.Equal(t, models.StepCredentialIssued, e.Step)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "owner@example.com", e.Payload.Contact)
	require.NotNil(t, e.LeaseUntil)

	mock.ExpectQuery("UPDATE payment_events").
		WillReturnRows(sqlmock.NewRows(entryColumns))
	mock.ExpectQuery("SELECT event_id, status").
		WithArgs("evt_abc").
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("evt_abc", "completed", payload, 5, 1, nil, "", now, now))

	_, err = NewPostgres(db).Acquire(context.Background(), "evt_abc", now, until)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinishRequiresQueued(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE payment_events SET status = \$3, lease_until = NULL, reason = \$4, updated_at = \$5\s+WHERE event_id = \$1 AND attempts = \$2 AND status = 'queued'`).
		WithArgs("evt_abc", 2, "completed", "", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claim := models.Claim{EventID: "evt_abc", Attempt: 2}
	err = NewPostgres(db).Finish(context.Background(), claim, models.OutcomeCompleted, "", now)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAdvanceIsFencedByAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec(`UPDATE payment_events SET step = GREATEST\(step, \$3\), updated_at = \$4\s+WHERE event_id = \$1 AND attempts = \$2 AND status = 'queued'`).
		WithArgs("evt_abc", 1, int(models.StepTenantCreated), now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE payment_events SET lease_until = NULL`).
		WithArgs("evt_abc", 2, "upstream_unavailable", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgres(db)
	err = s.Advance(context.Background(), models.Claim{EventID: "evt_abc", Attempt: 1}, models.StepTenantCreated, now)
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	require.NoError(t, s.Release(context.Background(), models.Claim{EventID: "evt_abc", Attempt: 2}, "upstream_unavailable", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResumable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT event_id FROM payment_events").
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).AddRow("evt_1").AddRow("evt_2"))

	ids, err := NewPostgres(db).Resumable(context.Background(), now, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1", "evt_2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
