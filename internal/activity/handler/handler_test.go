package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"securebase/internal/activity/models"
	"securebase/internal/activity/service"
	"securebase/internal/activity/store"
	"securebase/internal/gate"
	"securebase/internal/platform/database"
	tenantmodels "securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/requestcontext"
)

var gatewayKey = []byte("activity-handler-key")

type HandlerSuite struct {
	suite.Suite
	router http.Handler
	issuer *gate.Issuer
	tenant id.TenantID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tx := database.NewMemoryTxRunner()
	st := store.NewInMemory()
	s.tenant = id.TenantID(uuid.New())

	now := time.Now().UTC()
	ctx := requestcontext.WithClientMetadata(requestcontext.WithTime(context.Background(), now),
		"203.0.113.7", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	entries := []models.Entry{
		models.NewEntry(ctx, s.tenant, "", models.VerbTenantCreated, models.ResourceTenant, s.tenant.String(), "created"),
		models.NewEntry(requestcontext.WithTime(ctx, now.Add(-time.Minute)), s.tenant, "analyst@example.com",
			models.VerbAuditStarted, models.ResourceAuditRun, "run-1", "run-1"),
		models.NewEntry(requestcontext.WithTime(ctx, now.Add(-40*24*time.Hour)), s.tenant, "",
			models.VerbAuditCompleted, models.ResourceAuditRun, "run-0", "run-0"),
	}
	s.Require().NoError(tx.WithTenantScope(ctx, s.tenant, func(ctx context.Context) error {
		return st.Append(ctx, entries...)
	}))

	s.issuer = gate.NewIssuer(gatewayKey, "securebase-gateway")
	g := gate.New(gate.NewVerifier(gatewayKey, "securebase-gateway"), nil, tx, gate.WithLogger(logger))
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(g.Authenticate)
		New(service.New(st, tx, logger), g, logger).Register(r)
	})
	s.router = r
}

func (s *HandlerSuite) get(path string, role tenantmodels.Role) *httptest.ResponseRecorder {
	token, err := s.issuer.Issue(gate.Principal{TenantID: s.tenant, Subject: "p@example.com", Role: role}, time.Minute, time.Now())
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestDefaultWindow() {
	rec := s.get("/activity", tenantmodels.RoleManager)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp ListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(2, resp.TotalCount)
	s.Equal(models.DefaultLimit, resp.Limit)
	s.Equal(0, resp.Offset)
	s.Require().Len(resp.Activities, 2)
	s.Equal(models.VerbTenantCreated, resp.Activities[0].ActivityType)
	s.Equal("203.0.113.7", resp.Activities[0].IPAddress)
	s.Contains(resp.Activities[0].Client, "Chrome")
}

func (s *HandlerSuite) TestFilters() {
	rec := s.get("/activity?activity_type=audit.started&user_id=analyst@example.com&resource_type=audit_run", tenantmodels.RoleAdmin)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp ListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Require().Len(resp.Activities, 1)
	s.Equal("run-1", resp.Activities[0].ResourceID)
}

func (s *HandlerSuite) TestExplicitWindowReachesOlderEntries() {
	start := time.Now().UTC().Add(-60 * 24 * time.Hour).Format(time.DateOnly)
	rec := s.get("/activity?start_date="+start+"&limit=1&offset=1", tenantmodels.RoleAdmin)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp ListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(3, resp.TotalCount)
	s.Equal(1, resp.Limit)
	s.Len(resp.Activities, 1)
}

func (s *HandlerSuite) TestValidation() {
	s.Equal(http.StatusBadRequest, s.get("/activity?offset=-1", tenantmodels.RoleAdmin).Code)
	s.Equal(http.StatusBadRequest, s.get("/activity?limit=abc", tenantmodels.RoleAdmin).Code)
	s.Equal(http.StatusBadRequest, s.get("/activity?start_date=yesterday", tenantmodels.RoleAdmin).Code)
}

func (s *HandlerSuite) TestViewerLacksPermission() {
	s.Equal(http.StatusForbidden, s.get("/activity", tenantmodels.RoleViewer).Code)
}

func TestDescribeClient(t *testing.T) {
	assert.Equal(t, "", describeClient(""))
	assert.Equal(t, "bot", describeClient("Googlebot/2.1 (+http://www.google.com/bot.html)"))
	assert.Contains(t, describeClient("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"), "Chrome on Windows")
}
