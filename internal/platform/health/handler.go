// Package health provides HTTP health check endpoints for liveness, readiness, and status probes.
package health

import (
	"context"
	"maps"
	"net/http"
	"sort"
	"sync"
	"time"

	"securebase/pkg/platform/httputil"

	"github.com/go-chi/chi/v5"
)

// Version is set at build time via ldflags.
var Version = "dev"

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

// Handler provides health check endpoints.
type Handler struct {
	checkTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// New creates a new health handler.
func New() *Handler {
	return &Handler{
		checkTimeout: 2 * time.Second,
		now:          time.Now,
		checks:       make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named dependency check.
func (h *Handler) RegisterCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Register mounts health check routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.HandleStatus)
	r.Get("/health/live", h.HandleLiveness)
	r.Get("/health/ready", h.HandleReadiness)
}

// StatusResponse is the body of GET /health.
type StatusResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
}

// HandleStatus runs every check and reports 503 when any is failing.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	checks, healthy := h.run(r.Context())

	resp := StatusResponse{
		Status:    StatusHealthy,
		Timestamp: h.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Version:   Version,
		Checks:    checks,
	}
	status := http.StatusOK
	if !healthy {
		resp.Status = StatusDegraded
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	httputil.WriteJSON(w, status, resp)
}

// HandleLiveness always returns 200 while the process is serving.
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness returns 503 until every dependency check passes.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks, healthy := h.run(r.Context())
	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	httputil.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (h *Handler) run(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	maps.Copy(checks, h.checks)
	h.mu.RUnlock()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(checks))
	healthy := true
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, h.checkTimeout)
		err := checks[name](checkCtx)
		cancel()
		if err != nil {
			results[name] = StatusUnhealthy
			healthy = false
			continue
		}
		results[name] = StatusHealthy
	}
	return results, healthy
}
