// Package notification sends templated messages over email and the in-app
// inbox with durable, idempotent delivery records.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	notificationmetrics "securebase/internal/notification/metrics"
	"securebase/internal/notification/models"
	"securebase/internal/platform/config"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/retry"
	"securebase/pkg/platform/sentinel"
)

// Store persists delivery rows.
type Store interface {
	Insert(ctx context.Context, d *models.Delivery) error
	FindByID(ctx context.Context, tenantID id.TenantID, deliveryID id.NotificationID) (*models.Delivery, error)
	Update(ctx context.Context, d *models.Delivery) error
}

// Sender delivers one rendered message on a channel.
type Sender interface {
	Send(ctx context.Context, msg models.Message) error
}

type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

// VarSealer encrypts template variables at rest.
type VarSealer interface {
	Seal(ctx context.Context, tenantID id.TenantID, vars map[string]string) ([]byte, error)
	Open(ctx context.Context, tenantID id.TenantID, sealed []byte) (map[string]string, error)
}

const lastErrorLimit = 512

// Dispatcher owns the delivery lifecycle: pending, then delivered, failed or
// suppressed. A delivery is identified by its notification id, so
// resubmitting the same id never sends twice once it has finished.
type Dispatcher struct {
	store     Store
	senders   map[models.Channel]Sender
	sealer    VarSealer
	scoper    Scoper
	templates map[string]Template
	policy    retry.Policy
	attempts  int

	now     func() time.Time
	logger  *slog.Logger
	metrics *notificationmetrics.Metrics
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *notificationmetrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithSender registers the sender for a channel. A channel without a sender
// suppresses its deliveries.
func WithSender(channel models.Channel, s Sender) Option {
	return func(d *Dispatcher) {
		d.senders[channel] = s
	}
}

func WithTemplates(templates map[string]Template) Option {
	return func(d *Dispatcher) {
		d.templates = templates
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func New(store Store, sealer VarSealer, scoper Scoper, cfg config.DispatcherConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		senders:   make(map[models.Channel]Sender),
		sealer:    sealer,
		scoper:    scoper,
		templates: DefaultTemplates,
		policy:    retry.Policy{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay},
		attempts:  max(cfg.MaxAttempts, 1),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prepare validates a request and returns the pending row with sealed vars.
// Callers that need the row written alongside other state insert it with
// the Store inside their own transaction and call Deliver afterwards.
func (d *Dispatcher) Prepare(ctx context.Context, req models.Request) (*models.Delivery, error) {
	if req.ID.IsNil() || req.TenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "notification and tenant ids are required")
	}
	if !req.Channel.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown notification channel")
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "recipient is required")
	}
	if _, _, err := Render(d.templates, req.TemplateID, req.Vars); err != nil {
		return nil, err
	}
	sealed, err := d.sealer.Seal(ctx, req.TenantID, req.Vars)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "seal notification")
	}
	now := d.now().UTC()
	return &models.Delivery{
		ID:         req.ID,
		TenantID:   req.TenantID,
		Channel:    req.Channel,
		TemplateID: req.TemplateID,
		Recipient:  strings.TrimSpace(req.Recipient),
		SealedVars: sealed,
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Submit records the delivery if it is new and then delivers it. A
// resubmission of a finished delivery returns the stored row untouched.
func (d *Dispatcher) Submit(ctx context.Context, req models.Request) (*models.Delivery, error) {
	row, err := d.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	err = d.scoper.WithTenantScope(ctx, req.TenantID, func(ctx context.Context) error {
		return d.store.Insert(ctx, row)
	})
	if err != nil && !errors.Is(err, sentinel.ErrAlreadyUsed) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record notification")
	}
	return d.Deliver(ctx, req.TenantID, req.ID)
}

// Deliver sends a recorded delivery. Transient channel failures are retried
// with backoff until the attempt budget is spent; the row is updated after
// every attempt so a crash resumes with the right count.
func (d *Dispatcher) Deliver(ctx context.Context, tenantID id.TenantID, notificationID id.NotificationID) (*models.Delivery, error) {
	row, err := d.load(ctx, tenantID, notificationID)
	if err != nil {
		return nil, err
	}
	if row.Status.IsTerminal() {
		d.metrics.IncDuplicate()
		return row, nil
	}

	sender, ok := d.senders[row.Channel]
	if !ok {
		row.LastError = "no " + string(row.Channel) + " channel configured"
		return row, d.finish(ctx, row, models.StatusSuppressed)
	}

	vars, err := d.sealer.Open(ctx, row.TenantID, row.SealedVars)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "open notification")
	}
	subject, body, err := Render(d.templates, row.TemplateID, vars)
	if err != nil {
		row.LastError = err.Error()
		return row, d.finish(ctx, row, models.StatusFailed)
	}
	msg := models.Message{ID: row.ID, TenantID: row.TenantID, Recipient: row.Recipient, Subject: subject, Body: body}

	for row.Attempts < d.attempts {
		retryIndex := row.Attempts
		row.Attempts++
		sendErr := sender.Send(ctx, msg)
		if sendErr == nil {
			d.metrics.IncAttempt(string(row.Channel), "ok")
			row.LastError = ""
			return row, d.finish(ctx, row, models.StatusDelivered)
		}

		row.LastError = truncate(sendErr.Error(), lastErrorLimit)
		if !errors.Is(sendErr, sentinel.ErrUnavailable) {
			d.metrics.IncAttempt(string(row.Channel), "rejected")
			return row, d.finish(ctx, row, models.StatusFailed)
		}
		d.metrics.IncAttempt(string(row.Channel), "transient")
		d.logger.WarnContext(ctx, "notification attempt failed",
			"notification_id", row.ID,
			"tenant_id", row.TenantID,
			"channel", row.Channel,
			"attempt", row.Attempts,
			"error", sendErr,
		)
		if row.Attempts >= d.attempts {
			break
		}
		if err := d.save(ctx, row); err != nil {
			return nil, err
		}
		if err := retry.Sleep(ctx, d.policy.Delay(retryIndex)); err != nil {
			return row, dErrors.Wrap(err, dErrors.CodeTimeout, "notification delivery interrupted")
		}
	}
	return row, d.finish(ctx, row, models.StatusFailed)
}

func (d *Dispatcher) load(ctx context.Context, tenantID id.TenantID, notificationID id.NotificationID) (*models.Delivery, error) {
	var row *models.Delivery
	err := d.scoper.WithTenantScope(ctx, tenantID, func(ctx context.Context) error {
		var findErr error
		row, findErr = d.store.FindByID(ctx, tenantID, notificationID)
		return findErr
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeValidation, "notification is not recorded")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load notification")
	}
	return row, nil
}

func (d *Dispatcher) save(ctx context.Context, row *models.Delivery) error {
	row.UpdatedAt = d.now().UTC()
	err := d.scoper.WithTenantScope(ctx, row.TenantID, func(ctx context.Context) error {
		return d.store.Update(ctx, row)
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "update notification")
	}
	return nil
}

// finish drops the sealed variables with the final status. The welcome
// variables carry the issued API key, which must not outlive the send.
func (d *Dispatcher) finish(ctx context.Context, row *models.Delivery, status models.Status) error {
	row.Status = status
	row.SealedVars = nil
	if err := d.save(ctx, row); err != nil {
		return err
	}
	d.metrics.IncDelivery(string(row.Channel), string(status))
	d.logger.InfoContext(ctx, "notification finished",
		"notification_id", row.ID,
		"tenant_id", row.TenantID,
		"channel", row.Channel,
		"template_id", row.TemplateID,
		"status", status,
		"attempts", row.Attempts,
	)
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
