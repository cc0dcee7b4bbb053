package gate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	activitymodels "securebase/internal/activity/models"
	"securebase/internal/platform/database"
	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	txcontext "securebase/pkg/platform/tx"
)

type captureRecorder struct {
	mu      sync.Mutex
	entries []activitymodels.Entry
}

func (c *captureRecorder) Record(_ context.Context, e activitymodels.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

type GateSuite struct {
	suite.Suite
	issuer   *Issuer
	recorder *captureRecorder
	gate     *Gate
	router   http.Handler
	tenant1  id.TenantID
	tenant2  id.TenantID
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.issuer = NewIssuer(testKey, "securebase-gateway")
	s.recorder = &captureRecorder{}
	s.tenant1 = id.TenantID(uuid.New())
	s.tenant2 = id.TenantID(uuid.New())
	s.gate = New(NewVerifier(testKey, "securebase-gateway"), s.recorder, database.NewMemoryTxRunner(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ok := func(w http.ResponseWriter, r *http.Request) {
		err := s.gate.Scoped(r.Context(), func(ctx context.Context) error {
			scoped, _ := txcontext.Tenant(ctx)
			w.Header().Set("X-Scoped-Tenant", scoped.String())
			return nil
		})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(s.gate.Authenticate)
		r.With(s.gate.RequirePermission(PermEvidenceRead), s.gate.RequireTenantMatch("tenant")).
			Get("/audits/{tenant}/evidence", ok)
		r.With(s.gate.RequirePermission(PermActivityRead)).Get("/activity", ok)
	})
	s.router = r
}

func (s *GateSuite) token(tenantID id.TenantID, role models.Role) string {
	token, err := s.issuer.Issue(Principal{TenantID: tenantID, Subject: "p@example.com", Role: role}, time.Minute, time.Now())
	s.Require().NoError(err)
	return token
}

func (s *GateSuite) do(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *GateSuite) TestMissingAssertion() {
	rec := s.do("/activity", "")
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.Contains(rec.Body.String(), string(dErrors.CodeUnauthorized))
}

func (s *GateSuite) TestAssertionHeaderAccepted() {
	req := httptest.NewRequest(http.MethodGet, "/activity", nil)
	req.Header.Set(AssertionHeader, s.token(s.tenant1, models.RoleAdmin))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *GateSuite) TestSameTenantScopesStoreSession() {
	rec := s.do("/audits/"+s.tenant1.String()+"/evidence", s.token(s.tenant1, models.RoleViewer))
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(s.tenant1.String(), rec.Header().Get("X-Scoped-Tenant"))
	s.Empty(s.recorder.entries)
}

func (s *GateSuite) TestCrossTenantProbeRecordedOnCaller() {
	rec := s.do("/audits/"+s.tenant2.String()+"/evidence", s.token(s.tenant1, models.RoleAdmin))
	s.Equal(http.StatusForbidden, rec.Code)
	s.Contains(rec.Body.String(), string(dErrors.CodeForbidden))

	s.Require().Len(s.recorder.entries, 1)
	entry := s.recorder.entries[0]
	s.Equal(s.tenant1, entry.TenantID)
	s.Equal(activitymodels.VerbAccessDenied, entry.Verb)
	s.Equal(s.tenant2.String(), entry.Diff["requested_tenant"])
}

func (s *GateSuite) TestRoleWithoutPermission() {
	rec := s.do("/activity", s.token(s.tenant1, models.RoleViewer))
	s.Equal(http.StatusForbidden, rec.Code)
	s.Require().Len(s.recorder.entries, 1)
	s.Equal(string(PermActivityRead), s.recorder.entries[0].Diff["permission"])
}

func (s *GateSuite) TestMalformedTenantPath() {
	rec := s.do("/audits/not-a-uuid/evidence", s.token(s.tenant1, models.RoleAdmin))
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *GateSuite) TestScopedWithoutPrincipal() {
	err := s.gate.Scoped(context.Background(), func(context.Context) error { return nil })
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
