// Package service serves tenant-scoped reads of the activity log.
package service

import (
	"context"
	"log/slog"
	"time"

	"securebase/internal/activity/models"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/requestcontext"
)

type Store interface {
	List(ctx context.Context, f models.Filter) (*models.Page, error)
}

type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

// Query is a caller's activity request before defaults are applied.
type Query struct {
	Verb         string
	Actor        string
	ResourceType string
	Start        *time.Time
	End          *time.Time
	Limit        *int
	Offset       int
}

type Service struct {
	store  Store
	scoper Scoper
	logger *slog.Logger
}

func New(store Store, scoper Scoper, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, scoper: scoper, logger: logger}
}

// List returns one page of the tenant's de-duplicated activity, newest first.
func (s *Service) List(ctx context.Context, tenantID id.TenantID, q Query) (*models.Page, error) {
	filter, err := BuildFilter(tenantID, q, requestcontext.Now(ctx).UTC())
	if err != nil {
		return nil, err
	}

	var page *models.Page
	err = s.scoper.WithTenantScope(ctx, tenantID, func(txCtx context.Context) error {
		var listErr error
		page, listErr = s.store.List(txCtx, filter)
		return listErr
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "list activity failed",
			"error", err,
			"tenant_id", tenantID,
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list activity")
	}
	return page, nil
}

// BuildFilter applies the default window and paging bounds. A limit above
// MaxLimit is clamped; a negative offset or an inverted window is rejected.
func BuildFilter(tenantID id.TenantID, q Query, now time.Time) (models.Filter, error) {
	if tenantID.IsNil() {
		return models.Filter{}, dErrors.New(dErrors.CodeUnauthorized, "tenant context required")
	}
	if q.Offset < 0 {
		return models.Filter{}, dErrors.New(dErrors.CodeValidation, "offset must be zero or greater")
	}

	limit := models.DefaultLimit
	if q.Limit != nil {
		if *q.Limit < 1 {
			return models.Filter{}, dErrors.New(dErrors.CodeValidation, "limit must be at least 1")
		}
		limit = min(*q.Limit, models.MaxLimit)
	}

	end := now
	if q.End != nil {
		end = q.End.UTC()
	}
	start := end.Add(-models.DefaultWindow)
	if q.Start != nil {
		start = q.Start.UTC()
	}
	if start.After(end) {
		return models.Filter{}, dErrors.New(dErrors.CodeValidation, "start_date must not be after end_date")
	}

	return models.Filter{
		TenantID:     tenantID,
		Verb:         q.Verb,
		Actor:        q.Actor,
		ResourceType: q.ResourceType,
		Start:        start,
		End:          end,
		Limit:        limit,
		Offset:       q.Offset,
	}, nil
}
