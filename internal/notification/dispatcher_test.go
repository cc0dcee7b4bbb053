package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"securebase/internal/notification/mocks"
	"securebase/internal/notification/models"
	"securebase/internal/notification/store"
	"securebase/internal/platform/config"
	"securebase/internal/platform/database"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/sentinel"
)

// scriptedSender fails with the queued errors before succeeding.
type scriptedSender struct {
	mu       sync.Mutex
	failures []error
	sent     []models.Message
	calls    int
}

func (s *scriptedSender) Send(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type DispatcherSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.InMemory
	email    *scriptedSender
	sealer   *Sealer
	tenantID id.TenantID
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemory()
	s.email = &scriptedSender{}
	sealer, err := NewSealer(s.ctx, testKey(s.T()), "notify-test")
	s.Require().NoError(err)
	s.sealer = sealer
	s.tenantID = id.TenantID(uuid.New())
}

func (s *DispatcherSuite) dispatcher(opts ...Option) *Dispatcher {
	cfg := config.DispatcherConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSender(models.ChannelEmail, s.email),
	}, opts...)
	return New(s.store, s.sealer, database.NewMemoryTxRunner(), cfg, opts...)
}

func (s *DispatcherSuite) welcome() models.Request {
	return models.Request{
		ID:         id.NotificationID(id.Derive("evt_abc", "notification:welcome")),
		TenantID:   s.tenantID,
		Channel:    models.ChannelEmail,
		TemplateID: models.TemplateWelcome,
		Recipient:  "owner@example.com",
		Vars:       map[string]string{"tenant_name": "Acme", "tenant_id": s.tenantID.String(), "api_key": "k"},
	}
}

func (s *DispatcherSuite) TestTransientFailuresThenDelivered() {
	s.email.failures = []error{sentinel.ErrUnavailable, sentinel.ErrUnavailable}
	d := s.dispatcher()

	row, err := d.Submit(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, row.Status)
	s.Equal(3, row.Attempts)
	s.Empty(row.LastError)

	stored, err := s.store.FindByID(s.ctx, s.tenantID, s.welcome().ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, stored.Status)
	s.Equal(3, stored.Attempts)

	again, err := d.Submit(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, again.Status)
	s.Len(s.email.sent, 1)
	s.Equal(1, s.store.CountByTenant(s.tenantID))
}

func (s *DispatcherSuite) TestFinishedDeliveryErasesSealedVars() {
	row, err := s.dispatcher().Submit(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, row.Status)
	s.Nil(row.SealedVars)

	stored, err := s.store.FindByID(s.ctx, s.tenantID, s.welcome().ID)
	s.Require().NoError(err)
	s.Empty(stored.SealedVars)
	vars, err := s.sealer.Open(s.ctx, s.tenantID, stored.SealedVars)
	s.Require().NoError(err)
	s.NotContains(vars, "api_key")
}

func (s *DispatcherSuite) TestFailedDeliveryErasesSealedVars() {
	s.email.failures = []error{errors.New("ses rejected message: MessageRejected")}
	_, err := s.dispatcher().Submit(s.ctx, s.welcome())
	s.Require().NoError(err)

	stored, err := s.store.FindByID(s.ctx, s.tenantID, s.welcome().ID)
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, stored.Status)
	s.Empty(stored.SealedVars)
}

func (s *DispatcherSuite) TestExhaustedAttemptsFail() {
	for range 5 {
		s.email.failures = append(s.email.failures, sentinel.ErrUnavailable)
	}
	row, err := s.dispatcher().Submit(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, row.Status)
	s.Equal(5, row.Attempts)
	s.Equal(5, s.email.calls)
}

func (s *DispatcherSuite) TestPermanentFailureStopsImmediately() {
	s.email.failures = []error{errors.New("ses rejected message: MessageRejected")}
	row, err := s.dispatcher().Submit(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, row.Status)
	s.Equal(1, row.Attempts)
	s.Contains(row.LastError, "MessageRejected")
}

func (s *DispatcherSuite) TestLongMultibyteErrorStaysValidUTF8() {
	s.email.failures = []error{errors.New("x" + strings.Repeat("é", 600))}
	row, err := s.dispatcher().Submit(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, row.Status)
	s.True(utf8.ValidString(row.LastError))
	s.Len(row.LastError, lastErrorLimit-1)
}

func (s *DispatcherSuite) TestUnconfiguredChannelIsSuppressed() {
	req := s.welcome()
	req.Channel = models.ChannelInApp
	row, err := s.dispatcher().Submit(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.StatusSuppressed, row.Status)
	s.Zero(row.Attempts)
	s.Zero(s.email.calls)
}

func (s *DispatcherSuite) TestPreparedRowIsDeliveredLater() {
	d := s.dispatcher()
	row, err := d.Prepare(s.ctx, s.welcome())
	s.Require().NoError(err)
	s.NotContains(string(row.SealedVars), "Acme")
	s.Require().NoError(s.store.Insert(s.ctx, row))

	delivered, err := d.Deliver(s.ctx, s.tenantID, row.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, delivered.Status)
	s.Require().Len(s.email.sent, 1)
	s.Equal("Welcome to SecureBase, Acme", s.email.sent[0].Subject)
}

func (s *DispatcherSuite) TestInterruptedRetryResumesCount() {
	s.email.failures = []error{sentinel.ErrUnavailable, sentinel.ErrUnavailable}
	cfg := config.DispatcherConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	d := New(s.store, s.sealer, database.NewMemoryTxRunner(), cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSender(models.ChannelEmail, s.email))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, s.welcome())
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

	stored, err := s.store.FindByID(s.ctx, s.tenantID, s.welcome().ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, stored.Status)
	s.Equal(1, stored.Attempts)

	resumed, err := s.dispatcher().Deliver(s.ctx, s.tenantID, s.welcome().ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDelivered, resumed.Status)
	s.Equal(3, resumed.Attempts)
}

func (s *DispatcherSuite) TestValidation() {
	d := s.dispatcher()

	req := s.welcome()
	req.Recipient = " "
	_, err := d.Submit(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	req = s.welcome()
	delete(req.Vars, "api_key")
	_, err = d.Submit(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = d.Deliver(s.ctx, s.tenantID, id.NotificationID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestInAppDeliveryCallsSenderOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	inApp := mocks.NewMockSender(ctrl)

	ctx := context.Background()
	sealer, err := NewSealer(ctx, testKey(t), "notify-test")
	require.NoError(t, err)
	tenantID := id.TenantID(uuid.New())
	req := models.Request{
		ID:         id.NotificationID(id.Derive("evt_inapp", "notification:welcome")),
		TenantID:   tenantID,
		Channel:    models.ChannelInApp,
		TemplateID: models.TemplateWelcome,
		Recipient:  "owner@example.com",
		Vars:       map[string]string{"tenant_name": "Acme", "tenant_id": tenantID.String(), "api_key": "k"},
	}

	inApp.EXPECT().
		Send(gomock.Any(), gomock.Cond(func(msg models.Message) bool {
			return msg.ID == req.ID && msg.TenantID == tenantID && msg.Recipient == "owner@example.com"
		})).
		Return(nil).
		Times(1)

	d := New(store.NewInMemory(), sealer, database.NewMemoryTxRunner(),
		config.DispatcherConfig{MaxAttempts: 3, BaseDelay: time.Millisecond},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSender(models.ChannelInApp, inApp))

	row, err := d.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, row.Status)

	again, err := d.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, again.Status)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("ab€", 4), "the 3-byte rune does not fit")
	assert.Equal(t, "ab€", truncate("ab€d", 5))
	assert.Equal(t, "", truncate("€", 2))
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("日本", 100), 7)))
}
