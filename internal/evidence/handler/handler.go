package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"securebase/internal/evidence/models"
	"securebase/internal/gate"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/httputil"
	"securebase/pkg/requestcontext"
)

// Service is the audit surface exposed over HTTP.
type Service interface {
	Start(ctx context.Context, tenantID id.TenantID, actor string) (id.RunID, error)
	List(ctx context.Context, tenantID id.TenantID, control string, limit *int, offset int) (*models.Page, error)
}

type Handler struct {
	service Service
	gate    *gate.Gate
	logger  *slog.Logger
}

func New(svc Service, g *gate.Gate, logger *slog.Logger) *Handler {
	return &Handler{service: svc, gate: g, logger: logger}
}

// Register mounts the audit routes. The caller must already have applied
// gate.Authenticate.
func (h *Handler) Register(r chi.Router) {
	r.With(h.gate.RequirePermission(gate.PermAuditRun), h.gate.RequireTenantMatch("tenant")).
		Post("/audits/{tenant}/run", h.HandleRun)
	r.With(h.gate.RequirePermission(gate.PermEvidenceRead), h.gate.RequireTenantMatch("tenant")).
		Get("/audits/{tenant}/evidence", h.HandleListEvidence)
}

type RunResponse struct {
	RunID string `json:"run_id"`
}

type EvidenceResponse struct {
	Tenant            string    `json:"tenant"`
	CapturedAt        time.Time `json:"captured_at"`
	Control           string    `json:"control"`
	Resource          string    `json:"resource"`
	Status            string    `json:"status"`
	RawProof          string    `json:"raw_proof"`
	ClassifierVersion int       `json:"classifier_version"`
	Truncated         bool      `json:"truncated"`
}

type ListResponse struct {
	Evidence   []EvidenceResponse `json:"evidence"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// HandleRun accepts an audit and answers 202 before the scan starts.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	principal, _ := gate.PrincipalFrom(ctx)
	runID, err := h.service.Start(ctx, tenantID, principal.Subject)
	if err != nil {
		h.logger.WarnContext(ctx, "audit run rejected", "error", err, "request_id", requestID, "tenant_id", tenantID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, RunResponse{RunID: runID.String()})
}

func (h *Handler) HandleListEvidence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "tenant"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	v := r.URL.Query()
	var limit *int
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be an integer"))
			return
		}
		limit = &n
	}
	offset := 0
	if raw := v.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "offset must be an integer"))
			return
		}
		offset = n
	}

	page, err := h.service.List(ctx, tenantID, strings.TrimSpace(v.Get("control")), limit, offset)
	if err != nil {
		h.logger.ErrorContext(ctx, "list evidence failed", "error", err, "request_id", requestID, "tenant_id", tenantID)
		httputil.WriteError(w, err)
		return
	}

	resp := ListResponse{
		Evidence:   make([]EvidenceResponse, 0, len(page.Records)),
		TotalCount: page.Total,
		Limit:      page.Limit,
		Offset:     page.Offset,
	}
	for _, rec := range page.Records {
		resp.Evidence = append(resp.Evidence, EvidenceResponse{
			Tenant:            rec.TenantID.String(),
			CapturedAt:        rec.CapturedAt.UTC(),
			Control:           rec.Control,
			Resource:          rec.Resource,
			Status:            string(rec.Status),
			RawProof:          rec.RawProof,
			ClassifierVersion: rec.ClassifierVersion,
			Truncated:         rec.Truncated,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
