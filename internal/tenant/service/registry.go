// Package service implements the tenant registry: the authoritative record of
// tenants and their lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	activitymodels "securebase/internal/activity/models"
	tenantmetrics "securebase/internal/tenant/metrics"
	"securebase/internal/tenant/models"
	tenantstore "securebase/internal/tenant/store/tenant"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/sentinel"
	"securebase/pkg/requestcontext"
)

type TenantStore interface {
	Create(ctx context.Context, t *models.Tenant) error
	FindByID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	FindLiveByContact(ctx context.Context, contact string) (*models.Tenant, error)
	UpdateStatus(ctx context.Context, tenantID id.TenantID, from, to models.Status, at time.Time) error
}

type AdminCounter interface {
	CountAdmins(ctx context.Context, tenantID id.TenantID) (int, error)
}

// ActivityStore is written inside the registry transaction, so an entry
// exists if and only if its mutation committed.
type ActivityStore interface {
	Append(ctx context.Context, entries ...activitymodels.Entry) error
}

type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

// Change names who requested a transition and why.
type Change struct {
	Actor  string
	Reason string
}

type Registry struct {
	tenants  TenantStore
	admins   AdminCounter
	activity ActivityStore
	tx       TxRunner
	logger   *slog.Logger
	metrics  *tenantmetrics.Metrics
}

func NewRegistry(tenants TenantStore, admins AdminCounter, activity ActivityStore, tx TxRunner, opts ...Option) *Registry {
	cfg := &serviceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tenants:  tenants,
		admins:   admins,
		activity: activity,
		tx:       tx,
		logger:   logger,
		metrics:  cfg.metrics,
	}
}

// Lookup returns the tenant or an unknown_tenant error.
func (r *Registry) Lookup(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnknownTenant, "tenant not found")
	}
	t, err := r.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return t, nil
}

// FindLiveByContact returns the non-terminated tenant owning contact.
func (r *Registry) FindLiveByContact(ctx context.Context, contact string) (*models.Tenant, error) {
	t, err := r.tenants.FindLiveByContact(ctx, contact)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return t, nil
}

// Create registers t and records tenant.created. It conflicts on a duplicate
// id or when the contact already owns a live tenant.
func (r *Registry) Create(ctx context.Context, t *models.Tenant, actor string) error {
	err := r.tx.WithTenantScope(ctx, t.ID, func(txCtx context.Context) error {
		if err := r.tenants.Create(txCtx, t); err != nil {
			switch {
			case errors.Is(err, tenantstore.ErrContactTaken):
				return dErrors.New(dErrors.CodeConflict, "contact already owns an active tenant")
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				return dErrors.New(dErrors.CodeConflict, "tenant already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create tenant")
		}

		entry := activitymodels.NewEntry(txCtx, t.ID, actor,
			activitymodels.VerbTenantCreated, activitymodels.ResourceTenant, t.ID.String(), t.ID.String()).
			WithDiff(map[string]any{
				"status":    string(t.Status),
				"tier":      string(t.Tier),
				"framework": t.Framework,
			})
		if err := r.activity.Append(txCtx, entry); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record tenant creation")
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.metrics.IncrementTenantCreated()
	r.logger.InfoContext(ctx, activitymodels.VerbTenantCreated,
		"log_type", "activity",
		"tenant_id", t.ID,
		"tier", t.Tier,
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}

// Transition moves a tenant along its lifecycle under compare-and-set.
// Activation requires at least one admin principal.
func (r *Registry) Transition(ctx context.Context, tenantID id.TenantID, to models.Status, change Change) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnknownTenant, "tenant not found")
	}

	var updated *models.Tenant
	var from models.Status
	err := r.tx.WithTenantScope(ctx, tenantID, func(txCtx context.Context) error {
		t, err := r.tenants.FindByID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		from = t.Status
		now := requestcontext.Now(txCtx).UTC()
		if err := t.Transition(to, now); err != nil {
			return err
		}

		if to == models.StatusActive {
			n, err := r.admins.CountAdmins(txCtx, tenantID)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to count admins")
			}
			if n == 0 {
				return dErrors.New(dErrors.CodeConflict, "an active tenant requires at least one admin")
			}
		}

		if err := r.tenants.UpdateStatus(txCtx, tenantID, from, to, now); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.New(dErrors.CodeConflict, "tenant status changed concurrently")
			}
			return wrapTenantErr(err)
		}

		verb := activitymodels.VerbTenantStatusChanged
		if to == models.StatusSuspended {
			verb = activitymodels.VerbTenantSuspended
		}
		diff := map[string]any{"from": string(from), "to": string(to)}
		if change.Reason != "" {
			diff["reason"] = change.Reason
		}
		entry := activitymodels.NewEntry(txCtx, tenantID, change.Actor,
			verb, activitymodels.ResourceTenant, tenantID.String(),
			fmt.Sprintf("%s:%s:%d", from, to, now.UnixNano())).
			WithDiff(diff)
		if err := r.activity.Append(txCtx, entry); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record tenant transition")
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.IncrementTransition(string(to))
	r.logger.InfoContext(ctx, activitymodels.VerbTenantStatusChanged,
		"log_type", "activity",
		"tenant_id", tenantID,
		"from", from,
		"to", to,
		"reason", change.Reason,
		"request_id", requestcontext.RequestID(ctx),
	)
	return updated, nil
}

func wrapTenantErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeUnknownTenant, "tenant not found")
	}
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "tenant registry failure")
}
