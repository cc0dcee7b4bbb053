package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mssola/useragent"

	"securebase/internal/activity/models"
	"securebase/internal/activity/service"
	"securebase/internal/gate"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/httputil"
	"securebase/pkg/requestcontext"
)

type Service interface {
	List(ctx context.Context, tenantID id.TenantID, q service.Query) (*models.Page, error)
}

type Handler struct {
	service Service
	gate    *gate.Gate
	logger  *slog.Logger
}

func New(svc Service, g *gate.Gate, logger *slog.Logger) *Handler {
	return &Handler{service: svc, gate: g, logger: logger}
}

// Register mounts the feed behind the gate. The caller must already have
// applied gate.Authenticate.
func (h *Handler) Register(r chi.Router) {
	r.With(h.gate.RequirePermission(gate.PermActivityRead)).Get("/activity", h.HandleList)
}

type ActivityResponse struct {
	ID           string         `json:"id"`
	ActivityType string         `json:"activity_type"`
	UserID       string         `json:"user_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Client       string         `json:"client,omitempty"`
}

type ListResponse struct {
	Activities []ActivityResponse `json:"activities"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}

// HandleList serves GET /activity for the caller's tenant.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	principal, ok := gate.PrincipalFrom(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "tenant context required"))
		return
	}

	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.logger.WarnContext(ctx, "invalid activity query", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}

	page, err := h.service.List(ctx, principal.TenantID, q)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := ListResponse{
		Activities: make([]ActivityResponse, 0, len(page.Entries)),
		TotalCount: page.Total,
		Limit:      page.Limit,
		Offset:     page.Offset,
	}
	for _, e := range page.Entries {
		resp.Activities = append(resp.Activities, ActivityResponse{
			ID:           e.ID.String(),
			ActivityType: e.Verb,
			UserID:       e.Actor,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Timestamp:    e.OccurredAt,
			Details:      e.Diff,
			IPAddress:    e.ClientIP,
			UserAgent:    e.UserAgent,
			Client:       describeClient(e.UserAgent),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func parseQuery(v url.Values) (service.Query, error) {
	q := service.Query{
		Verb:         strings.TrimSpace(v.Get("activity_type")),
		Actor:        strings.TrimSpace(v.Get("user_id")),
		ResourceType: strings.TrimSpace(v.Get("resource_type")),
	}
	if raw := v.Get("start_date"); raw != "" {
		t, err := parseDate(raw, false)
		if err != nil {
			return q, dErrors.New(dErrors.CodeValidation, "start_date must be RFC 3339 or YYYY-MM-DD")
		}
		q.Start = &t
	}
	if raw := v.Get("end_date"); raw != "" {
		t, err := parseDate(raw, true)
		if err != nil {
			return q, dErrors.New(dErrors.CodeValidation, "end_date must be RFC 3339 or YYYY-MM-DD")
		}
		q.End = &t
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, dErrors.New(dErrors.CodeValidation, "limit must be an integer")
		}
		q.Limit = &n
	}
	if raw := v.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, dErrors.New(dErrors.CodeValidation, "offset must be an integer")
		}
		q.Offset = n
	}
	return q, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// describeClient renders a short "Browser on OS" label for the portal.
func describeClient(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		return "bot"
	}
	browser, _ := ua.Browser()
	os := ua.OS()
	switch {
	case browser == "" && os == "":
		return ""
	case os == "":
		return browser
	case browser == "":
		return os
	}
	return fmt.Sprintf("%s on %s", browser, os)
}
