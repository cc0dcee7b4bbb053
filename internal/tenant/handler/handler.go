package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"securebase/internal/gate"
	"securebase/internal/tenant/models"
	"securebase/internal/tenant/service"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/httputil"
	"securebase/pkg/requestcontext"
)

// Registry is the subset of the tenant registry exposed to tenant admins.
type Registry interface {
	Lookup(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	Transition(ctx context.Context, tenantID id.TenantID, to models.Status, change service.Change) (*models.Tenant, error)
}

type Handler struct {
	registry Registry
	gate     *gate.Gate
	logger   *slog.Logger
}

func New(registry Registry, g *gate.Gate, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, gate: g, logger: logger}
}

// Register mounts the tenant routes behind the gate. The caller must already
// have applied gate.Authenticate.
func (h *Handler) Register(r chi.Router) {
	r.With(h.gate.RequirePermission(gate.PermTenantRead), h.gate.RequireTenantMatch("tenant")).
		Get("/tenants/{tenant}", h.HandleGetTenant)
	r.With(h.gate.RequirePermission(gate.PermTenantManage), h.gate.RequireTenantMatch("tenant")).
		Post("/tenants/{tenant}/status", h.HandleTransition)
}

func (h *Handler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	t, err := h.registry.Lookup(ctx, tenantID)
	if err != nil {
		h.logger.ErrorContext(ctx, "get tenant failed", "error", err, "request_id", requestID, "tenant_id", tenantID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTenantResponse(t))
}

// HandleTransition lets a tenant admin suspend, reactivate or terminate
// their own tenant.
func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.DecodeAndPrepare[TransitionRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	principal, _ := gate.PrincipalFrom(ctx)
	t, err := h.registry.Transition(ctx, tenantID, models.Status(req.Status), service.Change{
		Actor:  principal.Subject,
		Reason: req.Reason,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "tenant transition failed", "error", err, "request_id", requestID, "tenant_id", tenantID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toTenantResponse(t))
}
