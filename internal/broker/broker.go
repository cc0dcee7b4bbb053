package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	activitymodels "securebase/internal/activity/models"
	"securebase/internal/platform/config"
	"securebase/internal/tenant/models"
	tenantservice "securebase/internal/tenant/service"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/circuit"
	"securebase/pkg/platform/sentinel"
	platformsync "securebase/pkg/platform/sync"
	"securebase/pkg/requestcontext"
)

// Registry is the part of the tenant registry the broker reads and, on
// repeated denials, mutates.
type Registry interface {
	Lookup(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	Transition(ctx context.Context, tenantID id.TenantID, to models.Status, change tenantservice.Change) (*models.Tenant, error)
}

// Recorder receives delegation.denied entries.
type Recorder interface {
	Record(ctx context.Context, entry activitymodels.Entry)
}

const refreshShards = 64

type cachedSession struct {
	session Session
	until   time.Time
}

// Broker hands out delegation sessions. Its session cache is the only
// process-wide mutable state in the evidence path; reads return copies.
type Broker struct {
	identity IdentityService
	registry Registry
	counter  DenialCounter
	recorder Recorder
	cfg      config.BrokerConfig

	mu       sync.RWMutex
	cache    map[id.TenantID]cachedSession
	breakers map[id.TenantID]*circuit.Breaker
	refresh  *platformsync.ShardedMutex

	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

type Option func(*Broker)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

func WithRecorder(r Recorder) Option {
	return func(b *Broker) {
		b.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

func New(identity IdentityService, registry Registry, counter DenialCounter, cfg config.BrokerConfig, opts ...Option) *Broker {
	b := &Broker{
		identity: identity,
		registry: registry,
		counter:  counter,
		cfg:      cfg,
		cache:    make(map[id.TenantID]cachedSession),
		breakers: make(map[id.TenantID]*circuit.Breaker),
		refresh:  platformsync.NewShardedMutex(refreshShards),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cfg.DenialThreshold < 1 {
		b.cfg.DenialThreshold = 3
	}
	return b
}

// Session returns credentials for the tenant's cloud account. Errors carry
// one of unknown_tenant, forbidden, delegation_denied, upstream_unavailable
// or timeout.
func (b *Broker) Session(ctx context.Context, tenantID id.TenantID) (Session, error) {
	tenant, err := b.registry.Lookup(ctx, tenantID)
	if err != nil {
		return Session{}, err
	}
	if !tenant.IsActive() {
		return Session{}, dErrors.New(dErrors.CodeForbidden, "tenant is "+string(tenant.Status))
	}
	if tenant.Delegation.AccountID == "" {
		return Session{}, dErrors.New(dErrors.CodeDelegationDenied, "tenant has no delegation descriptor")
	}

	if s, ok := b.cached(tenantID); ok {
		b.metrics.IncCacheHit()
		return s, nil
	}

	// One refresh per tenant at a time; waiters reuse the winner's session.
	key := tenantID.String()
	b.refresh.Lock(key)
	defer b.refresh.Unlock(key)
	if s, ok := b.cached(tenantID); ok {
		b.metrics.IncCacheHit()
		return s, nil
	}
	b.metrics.IncCacheMiss()

	breaker := b.breakerFor(tenantID)
	if !breaker.Allow() {
		b.metrics.IncOutcome("short_circuit")
		return Session{}, dErrors.New(dErrors.CodeUpstreamUnavailable, "identity service unavailable")
	}

	start := time.Now()
	session, err := b.identity.AssumeRole(ctx, AssumeRequest{
		RoleARN:     RoleARN(tenant.Delegation, b.cfg.RoleTemplate),
		SessionName: b.cfg.SessionName,
		Duration:    b.cfg.SessionCeiling,
	})
	b.metrics.ObserveLatency(time.Since(start).Seconds())
	if err != nil {
		return Session{}, b.handleFailure(ctx, tenant, breaker, err)
	}

	b.metrics.IncOutcome("issued")
	b.recordBreaker(ctx, tenantID, breaker.RecordSuccess())
	if err := b.counter.Reset(ctx, tenantID); err != nil {
		b.logger.WarnContext(ctx, "failed to reset denial counter", "error", err, "tenant_id", tenantID)
	}
	b.store(tenantID, *session)
	return *session, nil
}

// Invalidate drops any cached session for the tenant.
func (b *Broker) Invalidate(tenantID id.TenantID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, tenantID)
}

// breakerFor returns the tenant's breaker. Breakers are per tenant so one
// account's failure burst does not short-circuit every other tenant.
func (b *Broker) breakerFor(tenantID id.TenantID) *circuit.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[tenantID]
	if !ok {
		br = circuit.New("identity-service:"+tenantID.String(),
			circuit.WithFailureThreshold(b.cfg.UpstreamFailures),
			circuit.WithCooldown(b.cfg.UpstreamCooldown),
			circuit.WithClock(b.now),
		)
		b.breakers[tenantID] = br
	}
	return br
}

func (b *Broker) recordBreaker(ctx context.Context, tenantID id.TenantID, change circuit.StateChange) {
	switch {
	case change.Opened:
		b.metrics.IncOutcome("breaker_opened")
		b.logger.WarnContext(ctx, "identity service breaker opened", "tenant_id", tenantID)
	case change.Closed:
		b.metrics.IncOutcome("breaker_closed")
		b.logger.InfoContext(ctx, "identity service breaker closed", "tenant_id", tenantID)
	}
}

func (b *Broker) cached(tenantID id.TenantID) (Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[tenantID]
	if !ok || !b.now().Before(entry.until) {
		return Session{}, false
	}
	return entry.session, true
}

// store caches s until min(issuer expiry, now + ceiling) minus the safety
// margin. Sessions that would already be stale are not cached.
func (b *Broker) store(tenantID id.TenantID, s Session) {
	now := b.now()
	until := s.Expiry
	if ceiling := now.Add(b.cfg.SessionCeiling); b.cfg.SessionCeiling > 0 && ceiling.Before(until) {
		until = ceiling
	}
	until = until.Add(-b.cfg.SafetyMargin)
	if !now.Before(until) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[tenantID] = cachedSession{session: s, until: until}
}

func (b *Broker) handleFailure(ctx context.Context, tenant *models.Tenant, breaker *circuit.Breaker, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		b.metrics.IncOutcome("timeout")
		return dErrors.Wrap(err, dErrors.CodeTimeout, "identity service call timed out")
	case errors.Is(err, ErrDenied):
		b.metrics.IncOutcome("denied")
		b.recordBreaker(ctx, tenant.ID, breaker.RecordSuccess())
		b.recordDenial(ctx, tenant, err)
		return dErrors.Wrap(err, dErrors.CodeDelegationDenied, "delegation denied by tenant account")
	case errors.Is(err, sentinel.ErrUnavailable):
		b.metrics.IncOutcome("unavailable")
		b.recordBreaker(ctx, tenant.ID, breaker.RecordFailure())
		b.logger.WarnContext(ctx, "identity service unavailable",
			"error", err,
			"tenant_id", tenant.ID,
			"request_id", requestcontext.RequestID(ctx),
		)
		return dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, "identity service unavailable")
	}
	b.metrics.IncOutcome("error")
	b.recordBreaker(ctx, tenant.ID, breaker.RecordFailure())
	return dErrors.Wrap(err, dErrors.CodeInternal, "assume role failed")
}

// recordDenial advances the tenant's denial streak and suspends the tenant
// when it reaches the threshold.
func (b *Broker) recordDenial(ctx context.Context, tenant *models.Tenant, cause error) {
	n, err := b.counter.Increment(ctx, tenant.ID)
	if err != nil {
		b.logger.ErrorContext(ctx, "failed to count delegation denial", "error", err, "tenant_id", tenant.ID)
		return
	}

	b.logger.WarnContext(ctx, activitymodels.VerbDelegationDenied,
		"log_type", "activity",
		"tenant_id", tenant.ID,
		"consecutive", n,
		"error", cause,
		"request_id", requestcontext.RequestID(ctx),
	)
	if b.recorder != nil {
		entry := activitymodels.NewEntry(ctx, tenant.ID, activitymodels.ActorSystem,
			activitymodels.VerbDelegationDenied, activitymodels.ResourceDelegation, tenant.Delegation.AccountID,
			fmt.Sprintf("%s:%d", requestcontext.Now(ctx).UTC().Format(time.RFC3339Nano), n)).
			WithDiff(map[string]any{"consecutive": n})
		b.recorder.Record(ctx, entry)
	}

	if n < b.cfg.DenialThreshold {
		return
	}
	_, err = b.registry.Transition(ctx, tenant.ID, models.StatusSuspended, tenantservice.Change{
		Actor:  activitymodels.ActorSystem,
		Reason: fmt.Sprintf("%d consecutive delegation denials", n),
	})
	if err != nil && !dErrors.HasCode(err, dErrors.CodeConflict) {
		b.logger.ErrorContext(ctx, "failed to suspend tenant", "error", err, "tenant_id", tenant.ID)
		return
	}
	b.metrics.IncSuspension()
	b.Invalidate(tenant.ID)
	if err := b.counter.Reset(ctx, tenant.ID); err != nil {
		b.logger.WarnContext(ctx, "failed to reset denial counter", "error", err, "tenant_id", tenant.ID)
	}
}
