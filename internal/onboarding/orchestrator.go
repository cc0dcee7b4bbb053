// Package onboarding turns a verified payment event into an active tenant.
//
// Every artifact is addressed by an id derived from the payment event id, and
// the ledger records the last confirmed step. Running the protocol again for
// the same event therefore converges on the same tenant, credential, admin
// principal and notification deliveries instead of creating new ones.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	activitymodels "securebase/internal/activity/models"
	notificationmodels "securebase/internal/notification/models"
	onboardingmetrics "securebase/internal/onboarding/metrics"
	"securebase/internal/onboarding/models"
	"securebase/internal/onboarding/provisioning"
	"securebase/internal/platform/config"
	"securebase/internal/platform/tracer"
	tenantmodels "securebase/internal/tenant/models"
	tenantservice "securebase/internal/tenant/service"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/sentinel"
	"securebase/pkg/secrets"
)

type Ledger interface {
	Insert(ctx context.Context, e *models.Entry) error
	Find(ctx context.Context, eventID string) (*models.Entry, error)
	Acquire(ctx context.Context, eventID string, now, until time.Time) (*models.Entry, error)
	Advance(ctx context.Context, claim models.Claim, step models.Step, now time.Time) error
	Release(ctx context.Context, claim models.Claim, reason string, now time.Time) error
	Finish(ctx context.Context, claim models.Claim, outcome models.Outcome, reason string, now time.Time) error
	Resumable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Registry interface {
	Lookup(ctx context.Context, tenantID id.TenantID) (*tenantmodels.Tenant, error)
	FindLiveByContact(ctx context.Context, contact string) (*tenantmodels.Tenant, error)
	Create(ctx context.Context, t *tenantmodels.Tenant, actor string) error
	Transition(ctx context.Context, tenantID id.TenantID, to tenantmodels.Status, change tenantservice.Change) (*tenantmodels.Tenant, error)
}

type CredentialStore interface {
	Create(ctx context.Context, c *tenantmodels.Credential) error
}

type PrincipalStore interface {
	Create(ctx context.Context, p *tenantmodels.Principal) error
}

type DeliveryStore interface {
	Insert(ctx context.Context, d *notificationmodels.Delivery) error
}

// Notifier prepares delivery rows for the onboarding transaction and sends
// them afterwards.
type Notifier interface {
	Prepare(ctx context.Context, req notificationmodels.Request) (*notificationmodels.Delivery, error)
	Deliver(ctx context.Context, tenantID id.TenantID, notificationID id.NotificationID) (*notificationmodels.Delivery, error)
}

// ActivityStore is written inside the step transactions.
type ActivityStore interface {
	Append(ctx context.Context, entries ...activitymodels.Entry) error
}

type Recorder interface {
	Record(ctx context.Context, entry activitymodels.Entry)
}

type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

// Stores groups the tenant-owned tables onboarding writes directly.
type Stores struct {
	Credentials CredentialStore
	Principals  PrincipalStore
	Deliveries  DeliveryStore
	Activity    ActivityStore
}

const bookkeepingTimeout = 5 * time.Second

type Orchestrator struct {
	ledger      Ledger
	registry    Registry
	stores      Stores
	notifier    Notifier
	provisioner provisioning.Publisher
	recorder    Recorder
	scoper      Scoper

	lease        time.Duration
	maxAttempts  int
	setupBaseURL string

	now     func() time.Time
	hash    func(secret string) (string, error)
	logger  *slog.Logger
	metrics *onboardingmetrics.Metrics
	tracer  tracer.Tracer
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithMetrics(m *onboardingmetrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithHasher replaces the bcrypt hasher used for credentials and setup tokens.
func WithHasher(hash func(secret string) (string, error)) Option {
	return func(o *Orchestrator) {
		o.hash = hash
	}
}

func New(ledger Ledger, registry Registry, stores Stores, notifier Notifier, provisioner provisioning.Publisher,
	recorder Recorder, scoper Scoper, cfg config.OnboardingConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:       ledger,
		registry:     registry,
		stores:       stores,
		notifier:     notifier,
		provisioner:  provisioner,
		recorder:     recorder,
		scoper:       scoper,
		lease:        cfg.LeaseDuration,
		maxAttempts:  max(cfg.MaxAttempts, 1),
		setupBaseURL: cfg.SetupBaseURL,
		now:          time.Now,
		hash:         secrets.Hash,
		logger:       slog.Default(),
		tracer:       tracer.NewNoop(),
	}
	if o.lease <= 0 {
		o.lease = 2 * time.Minute
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Accept records a payment event as queued unless the ledger already knows
// it. The returned entry is the stored row.
func (o *Orchestrator) Accept(ctx context.Context, req models.Request) (*models.Entry, error) {
	if req.EventID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "event id is required")
	}
	existing, err := o.ledger.Find(ctx, req.EventID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read payment ledger")
	}

	entry := models.NewEntry(req, o.now().UTC())
	if err := o.ledger.Insert(ctx, entry); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return o.find(ctx, req.EventID)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record payment event")
	}
	return entry, nil
}

// Onboard records the event and runs the protocol to completion.
func (o *Orchestrator) Onboard(ctx context.Context, req models.Request) (*models.Result, error) {
	if _, err := o.Accept(ctx, req); err != nil {
		return nil, err
	}
	return o.Process(ctx, req.EventID)
}

// Process runs the protocol for a recorded event, resuming after the last
// confirmed step. A terminal event returns its stored result. An event held
// by another worker fails with conflict.
func (o *Orchestrator) Process(ctx context.Context, eventID string) (*models.Result, error) {
	entry, err := o.find(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if entry.Status.IsTerminal() {
		return resultOf(entry), nil
	}

	now := o.now().UTC()
	entry, err = o.ledger.Acquire(ctx, eventID, now, now.Add(o.lease))
	if err != nil {
		if !errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "claim payment event")
		}
		current, findErr := o.find(ctx, eventID)
		if findErr == nil && current.Status.IsTerminal() {
			return resultOf(current), nil
		}
		o.metrics.IncOutcome("busy")
		return nil, dErrors.New(dErrors.CodeConflict, "payment event is being processed")
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, tracer.SpanOnboarding,
		tracer.String(tracer.AttrEventID, eventID),
		tracer.Int(tracer.AttrAttempt, entry.Attempts),
	)
	runCtx, cancel := context.WithTimeout(ctx, o.lease)
	runErr := o.run(runCtx, entry)
	cancel()
	span.End(runErr)
	o.metrics.ObserveDuration(time.Since(start).Seconds())

	return o.settle(ctx, entry, runErr)
}

// settle writes the attempt's outcome to the ledger.
func (o *Orchestrator) settle(ctx context.Context, entry *models.Entry, runErr error) (*models.Result, error) {
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	now := o.now().UTC()
	result := resultOf(entry)

	claim := entry.Claim()
	if errors.Is(runErr, errLeaseLost) {
		return nil, o.leaseLost(ctx, entry, runErr)
	}

	var rej *rejection
	switch {
	case runErr == nil:
		if err := o.ledger.Finish(bookCtx, claim, models.OutcomeCompleted, "", now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return nil, o.leaseLost(ctx, entry, err)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "complete payment event")
		}
		o.metrics.IncOutcome(string(models.OutcomeCompleted))
		o.recorder.Record(bookCtx, activitymodels.NewEntry(bookCtx, result.TenantID, activitymodels.ActorSystem,
			activitymodels.VerbOnboardingCompleted, activitymodels.ResourceTenant, result.TenantID.String(), entry.EventID).
			WithDiff(map[string]any{
				"event_id":      entry.EventID,
				"credential_id": result.CredentialID.String(),
				"principal_id":  result.PrincipalID.String(),
				"tier":          string(entry.Payload.Tier),
			}))
		o.logger.InfoContext(ctx, activitymodels.VerbOnboardingCompleted,
			"log_type", "activity",
			"event_id", entry.EventID,
			"tenant_id", result.TenantID,
			"attempts", entry.Attempts,
		)
		result.Status = models.OutcomeCompleted
		return result, nil

	case errors.As(runErr, &rej):
		if err := o.ledger.Finish(bookCtx, claim, models.OutcomeRejected, rej.reason, now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return nil, o.leaseLost(ctx, entry, err)
			}
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "reject payment event")
		}
		o.metrics.IncOutcome(string(models.OutcomeRejected))
		if !rej.owner.IsNil() {
			o.recorder.Record(bookCtx, activitymodels.NewEntry(bookCtx, rej.owner, activitymodels.ActorSystem,
				activitymodels.VerbOnboardingRejected, activitymodels.ResourceTenant, rej.owner.String(), entry.EventID).
				WithDiff(map[string]any{"event_id": entry.EventID, "reason": rej.reason}))
		}
		o.logger.WarnContext(ctx, activitymodels.VerbOnboardingRejected,
			"log_type", "activity",
			"event_id", entry.EventID,
			"reason", rej.reason,
		)
		result.Status = models.OutcomeRejected
		result.Reason = rej.reason
		return result, nil
	}

	code := dErrors.CodeOf(runErr)
	if errors.Is(runErr, context.DeadlineExceeded) {
		code = dErrors.CodeTimeout
	}
	reason := string(code)
	if entry.Attempts >= o.maxAttempts {
		if err := o.ledger.Finish(bookCtx, claim, models.OutcomeFailed, reason, now); err != nil {
			o.logger.ErrorContext(ctx, "failed to mark payment event failed", "event_id", entry.EventID, "error", err)
		}
		o.metrics.IncOutcome(string(models.OutcomeFailed))
	} else {
		if err := o.ledger.Release(bookCtx, claim, reason, now); err != nil {
			o.logger.ErrorContext(ctx, "failed to release payment event", "event_id", entry.EventID, "error", err)
		}
		o.metrics.IncOutcome("retry")
	}
	o.logger.ErrorContext(ctx, "onboarding attempt failed",
		"event_id", entry.EventID,
		"tenant_id", result.TenantID,
		"attempt", entry.Attempts,
		"step", int(entry.Step),
		"error", runErr,
	)
	return nil, &dErrors.Error{Code: code, Message: "onboarding did not complete", Err: runErr}
}

var errLeaseLost = errors.New("payment event lease lost")

// leaseLost reports an attempt whose row was re-acquired by another worker
// after its lease expired. The newer claim owns the row.
func (o *Orchestrator) leaseLost(ctx context.Context, entry *models.Entry, cause error) error {
	o.metrics.IncOutcome("lease_lost")
	o.logger.WarnContext(ctx, "onboarding lease lost to a newer attempt",
		"event_id", entry.EventID,
		"attempt", entry.Attempts,
		"error", cause,
	)
	return &dErrors.Error{Code: dErrors.CodeConflict, Message: "payment event is being processed", Err: cause}
}

type stepFunc func(ctx context.Context, req models.Request, art models.Artifacts) error

func (o *Orchestrator) run(ctx context.Context, entry *models.Entry) error {
	req := entry.Payload
	if err := req.Validate(); err != nil {
		return reject(err, id.TenantID{})
	}
	art := models.ArtifactsFor(entry.EventID)

	steps := []struct {
		step models.Step
		fn   stepFunc
	}{
		{models.StepTenantCreated, o.createTenant},
		{models.StepCredentialIssued, o.issueCredential},
		{models.StepAdminInvited, o.inviteAdmin},
		{models.StepNotified, o.notify},
		{models.StepProvisioned, o.provision},
	}
	for _, s := range steps {
		if s.step <= entry.Step {
			continue
		}
		stepCtx, span := o.tracer.Start(ctx, tracer.SpanOnboardStep, tracer.Int(tracer.AttrStep, int(s.step)))
		err := s.fn(stepCtx, req, art)
		span.End(err)
		if err != nil {
			return err
		}
		if err := o.ledger.Advance(ctx, entry.Claim(), s.step, o.now().UTC()); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return fmt.Errorf("%w: %w", errLeaseLost, err)
			}
			return fmt.Errorf("advance payment event: %w", err)
		}
		entry.Step = s.step
	}
	return o.activate(ctx, entry.EventID, art)
}

// createTenant registers the pending tenant. A conflict on the derived id is
// a previous attempt's tenant; a conflict on the contact rejects the event.
func (o *Orchestrator) createTenant(ctx context.Context, req models.Request, art models.Artifacts) error {
	t, err := tenantmodels.NewTenant(art.TenantID, req.Name, req.Contact, req.Tier, req.Framework, req.Delegation, o.now().UTC())
	if err != nil {
		return reject(err, id.TenantID{})
	}
	err = o.registry.Create(ctx, t, activitymodels.ActorSystem)
	if err == nil || !dErrors.HasCode(err, dErrors.CodeConflict) {
		return err
	}
	if _, lookupErr := o.registry.Lookup(ctx, art.TenantID); lookupErr == nil {
		return nil
	}
	var owner id.TenantID
	if live, findErr := o.registry.FindLiveByContact(ctx, t.Contact); findErr == nil {
		owner = live.ID
	}
	return reject(err, owner)
}

// issueCredential mints the API credential and writes it together with the
// welcome delivery that carries its only plaintext copy. A credential that
// already exists means a previous attempt committed both rows.
func (o *Orchestrator) issueCredential(ctx context.Context, req models.Request, art models.Artifacts) error {
	t, err := o.registry.Lookup(ctx, art.TenantID)
	if err != nil {
		return err
	}
	plaintext, err := secrets.GenerateCredential()
	if err != nil {
		return err
	}
	hash, err := o.hash(plaintext)
	if err != nil {
		return err
	}
	welcome, err := o.notifier.Prepare(ctx, notificationmodels.Request{
		ID:         art.WelcomeID,
		TenantID:   t.ID,
		Channel:    notificationmodels.ChannelEmail,
		TemplateID: notificationmodels.TemplateWelcome,
		Recipient:  t.Contact,
		Vars: map[string]string{
			"tenant_name": t.Name,
			"tenant_id":   t.ID.String(),
			"api_key":     plaintext,
		},
	})
	if err != nil {
		return err
	}

	now := o.now().UTC()
	err = o.scoper.WithTenantScope(ctx, t.ID, func(txCtx context.Context) error {
		if err := o.stores.Credentials.Create(txCtx, tenantmodels.NewCredential(art.CredentialID, t.ID, hash, now)); err != nil {
			return err
		}
		if err := o.stores.Deliveries.Insert(txCtx, welcome); err != nil {
			return err
		}
		return o.stores.Activity.Append(txCtx, activitymodels.NewEntry(txCtx, t.ID, activitymodels.ActorSystem,
			activitymodels.VerbCredentialIssued, activitymodels.ResourceCredential, art.CredentialID.String(), req.EventID))
	})
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		return nil
	}
	return err
}

// inviteAdmin creates the first admin with a one-time setup link and the
// admin_setup delivery that carries the link.
func (o *Orchestrator) inviteAdmin(ctx context.Context, req models.Request, art models.Artifacts) error {
	t, err := o.registry.Lookup(ctx, art.TenantID)
	if err != nil {
		return err
	}
	token, err := secrets.GenerateToken()
	if err != nil {
		return err
	}
	tokenHash, err := o.hash(token)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	admin, err := tenantmodels.NewInvitedAdmin(art.PrincipalID, t.ID, t.Contact, t.Name, tokenHash, now)
	if err != nil {
		return reject(err, id.TenantID{})
	}
	setup, err := o.notifier.Prepare(ctx, notificationmodels.Request{
		ID:         art.AdminSetupID,
		TenantID:   t.ID,
		Channel:    notificationmodels.ChannelEmail,
		TemplateID: notificationmodels.TemplateAdminSetup,
		Recipient:  t.Contact,
		Vars: map[string]string{
			"email":     admin.Email,
			"setup_url": o.setupURL(art.PrincipalID, token),
		},
	})
	if err != nil {
		return err
	}

	err = o.scoper.WithTenantScope(ctx, t.ID, func(txCtx context.Context) error {
		if err := o.stores.Principals.Create(txCtx, admin); err != nil {
			return err
		}
		if err := o.stores.Deliveries.Insert(txCtx, setup); err != nil {
			return err
		}
		return o.stores.Activity.Append(txCtx, activitymodels.NewEntry(txCtx, t.ID, activitymodels.ActorSystem,
			activitymodels.VerbPrincipalInvited, activitymodels.ResourcePrincipal, art.PrincipalID.String(), req.EventID).
			WithDiff(map[string]any{"role": string(admin.Role)}))
	})
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		return nil
	}
	return err
}

func (o *Orchestrator) setupURL(principalID id.PrincipalID, token string) string {
	q := url.Values{}
	q.Set("principal", principalID.String())
	q.Set("token", token)
	return o.setupBaseURL + "?" + q.Encode()
}

// notify sends both onboarding deliveries. A delivery that ends failed does
// not block onboarding; one that is still pending is retried with the event.
func (o *Orchestrator) notify(ctx context.Context, _ models.Request, art models.Artifacts) error {
	for _, nid := range []id.NotificationID{art.WelcomeID, art.AdminSetupID} {
		d, err := o.notifier.Deliver(ctx, art.TenantID, nid)
		if err != nil {
			return err
		}
		if d.Status != notificationmodels.StatusDelivered {
			o.logger.WarnContext(ctx, "onboarding notification not delivered",
				"tenant_id", art.TenantID,
				"notification_id", nid,
				"template_id", d.TemplateID,
				"status", d.Status,
			)
		}
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, req models.Request, art models.Artifacts) error {
	return o.provisioner.Publish(ctx, provisioning.Message{
		ID:         art.MessageID,
		TenantID:   art.TenantID,
		Tier:       req.Tier,
		Framework:  req.Framework,
		Delegation: req.Delegation,
	})
}

// activate moves the tenant to active. A tenant that already left pending
// was activated by an earlier attempt.
func (o *Orchestrator) activate(ctx context.Context, eventID string, art models.Artifacts) error {
	t, err := o.registry.Lookup(ctx, art.TenantID)
	if err != nil {
		return err
	}
	if t.Status != tenantmodels.StatusPending {
		return nil
	}
	_, err = o.registry.Transition(ctx, art.TenantID, tenantmodels.StatusActive, tenantservice.Change{
		Actor:  activitymodels.ActorSystem,
		Reason: "onboarding " + eventID,
	})
	return err
}

func (o *Orchestrator) find(ctx context.Context, eventID string) (*models.Entry, error) {
	entry, err := o.ledger.Find(ctx, eventID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeValidation, "payment event is not recorded")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "read payment ledger")
	}
	return entry, nil
}

func resultOf(entry *models.Entry) *models.Result {
	return &models.Result{
		EventID:   entry.EventID,
		Status:    entry.Status,
		Reason:    entry.Reason,
		Artifacts: models.ArtifactsFor(entry.EventID),
	}
}

// rejection ends an event as rejected. owner is the live tenant the event
// collided with, if any.
type rejection struct {
	reason string
	owner  id.TenantID
}

func (r *rejection) Error() string { return "onboarding rejected: " + r.reason }

func reject(err error, owner id.TenantID) error {
	var domainErr *dErrors.Error
	reason := err.Error()
	if errors.As(err, &domainErr) {
		reason = domainErr.Message
	}
	return &rejection{reason: reason, owner: owner}
}
