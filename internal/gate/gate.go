// Package gate binds every data-plane request to the caller's tenant. It
// authenticates the gateway assertion, checks the role's permissions, refuses
// cross-tenant paths and opens the tenant-scoped store session.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	activitymodels "securebase/internal/activity/models"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/httputil"
	"securebase/pkg/requestcontext"
)

// AssertionHeader carries the gateway assertion when the gateway does not
// rewrite Authorization.
const AssertionHeader = "X-Gateway-Assertion"

type AssertionVerifier interface {
	Verify(token string) (*Principal, error)
}

// Recorder receives access.denied entries. The journal satisfies it.
type Recorder interface {
	Record(ctx context.Context, entry activitymodels.Entry)
}

// Scoper opens a tenant-scoped store session.
type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

type Gate struct {
	verifier AssertionVerifier
	recorder Recorder
	scoper   Scoper
	logger   *slog.Logger
	metrics  *Metrics
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func New(verifier AssertionVerifier, recorder Recorder, scoper Scoper, opts ...Option) *Gate {
	g := &Gate{
		verifier: verifier,
		recorder: recorder,
		scoper:   scoper,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate attaches the asserted principal to the request context.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := assertionFrom(r)
		if token == "" {
			g.deny(ctx, w, "missing_assertion", dErrors.New(dErrors.CodeUnauthorized, "tenant context required"))
			return
		}

		principal, err := g.verifier.Verify(token)
		if err != nil {
			g.logger.WarnContext(ctx, "unauthorized access - invalid assertion",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			g.metrics.IncDenial("invalid_assertion")
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired assertion"))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, *principal)))
	})
}

// RequirePermission refuses callers whose role lacks perm.
func (g *Gate) RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, ok := PrincipalFrom(ctx)
			if !ok {
				g.deny(ctx, w, "missing_principal", dErrors.New(dErrors.CodeUnauthorized, "tenant context required"))
				return
			}
			if !Allows(principal.Role, perm) {
				g.recordDenied(ctx, principal, r, map[string]any{
					"permission": string(perm),
					"role":       string(principal.Role),
				})
				g.deny(ctx, w, "permission", dErrors.New(dErrors.CodeForbidden, "role does not grant "+string(perm)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTenantMatch refuses requests whose {param} path segment names a
// tenant other than the caller's. The refusal is recorded on the caller's
// tenant, never on the probed one.
func (g *Gate) RequireTenantMatch(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal, ok := PrincipalFrom(ctx)
			if !ok {
				g.deny(ctx, w, "missing_principal", dErrors.New(dErrors.CodeUnauthorized, "tenant context required"))
				return
			}
			requested, err := id.ParseTenantID(chi.URLParam(r, param))
			if err != nil {
				httputil.WriteError(w, err)
				return
			}
			if requested != principal.TenantID {
				g.recordDenied(ctx, principal, r, map[string]any{
					"requested_tenant": requested.String(),
				})
				g.deny(ctx, w, "cross_tenant", dErrors.New(dErrors.CodeForbidden, "tenant mismatch"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Scoped runs fn in a store session bound to the caller's tenant.
func (g *Gate) Scoped(ctx context.Context, fn func(ctx context.Context) error) error {
	principal, ok := PrincipalFrom(ctx)
	if !ok || principal.TenantID.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "tenant context required")
	}
	return g.scoper.WithTenantScope(ctx, principal.TenantID, fn)
}

func (g *Gate) deny(ctx context.Context, w http.ResponseWriter, reason string, err error) {
	g.metrics.IncDenial(reason)
	g.logger.WarnContext(ctx, "access denied",
		"reason", reason,
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}

func (g *Gate) recordDenied(ctx context.Context, p Principal, r *http.Request, diff map[string]any) {
	if g.recorder == nil {
		return
	}
	key := requestcontext.RequestID(ctx)
	if key == "" {
		key = uuid.NewString()
	}
	diff["method"] = r.Method
	diff["path"] = r.URL.Path
	entry := activitymodels.NewEntry(ctx, p.TenantID, p.Subject,
		activitymodels.VerbAccessDenied, activitymodels.ResourceTenant, p.TenantID.String(),
		key+":"+r.Method+" "+r.URL.Path).
		WithDiff(diff)
	g.recorder.Record(ctx, entry)

	g.logger.WarnContext(ctx, activitymodels.VerbAccessDenied,
		"log_type", "activity",
		"tenant_id", p.TenantID,
		"actor", p.Subject,
		"request_id", requestcontext.RequestID(ctx),
	)
}

func assertionFrom(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.Header.Get(AssertionHeader))
}
