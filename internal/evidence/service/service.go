// Package service runs audits: it obtains a delegation session, scans the
// tenant's resources, classifies each outcome and persists the records.
package service

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	activitymodels "securebase/internal/activity/models"
	"securebase/internal/broker"
	"securebase/internal/evidence/classifier"
	evidencemetrics "securebase/internal/evidence/metrics"
	"securebase/internal/evidence/models"
	"securebase/internal/evidence/store"
	"securebase/internal/platform/tracer"
	"securebase/internal/scanner"
	tenantmodels "securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
)

type Broker interface {
	Session(ctx context.Context, tenantID id.TenantID) (broker.Session, error)
}

type Scanner interface {
	Scan(ctx context.Context, session broker.Session, sel scanner.Selector) (iter.Seq[scanner.Outcome], error)
}

// Sink persists and reads evidence records.
type Sink interface {
	Write(ctx context.Context, records []models.Record) error
	List(ctx context.Context, q models.Query) (*models.Page, error)
}

type Registry interface {
	Lookup(ctx context.Context, tenantID id.TenantID) (*tenantmodels.Tenant, error)
}

type Recorder interface {
	Record(ctx context.Context, entry activitymodels.Entry)
}

type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

const defaultRunTimeout = 5 * time.Minute

// Service owns the audit runs it starts. Close cancels the runs still in
// flight and waits for them to record their outcome.
type Service struct {
	broker     Broker
	scanner    Scanner
	classifier *classifier.Classifier
	sink       Sink
	registry   Registry
	recorder   Recorder
	scoper     Scoper

	runTimeout time.Duration
	logger     *slog.Logger
	metrics    *evidencemetrics.Metrics
	tracer     tracer.Tracer

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *evidencemetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithRunTimeout bounds one run from session to last write.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

func New(b Broker, sc Scanner, cl *classifier.Classifier, sink Sink, registry Registry, recorder Recorder, scoper Scoper, opts ...Option) *Service {
	s := &Service{
		broker:     b,
		scanner:    sc,
		classifier: cl,
		sink:       sink,
		registry:   registry,
		recorder:   recorder,
		scoper:     scoper,
		runTimeout: defaultRunTimeout,
		logger:     slog.Default(),
		tracer:     tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start validates the tenant and launches an asynchronous run. Unknown
// tenants fail with unknown_tenant; tenants that are not active with
// forbidden.
func (s *Service) Start(ctx context.Context, tenantID id.TenantID, actor string) (id.RunID, error) {
	t, err := s.registry.Lookup(ctx, tenantID)
	if err != nil {
		return id.RunID{}, err
	}
	if !t.IsActive() {
		return id.RunID{}, dErrors.New(dErrors.CodeForbidden, "tenant is "+string(t.Status))
	}
	if err := s.base.Err(); err != nil {
		return id.RunID{}, dErrors.New(dErrors.CodeUpstreamUnavailable, "audit runner is shutting down")
	}

	runID := id.RunID(uuid.New())
	s.recorder.Record(ctx, activitymodels.NewEntry(ctx, tenantID, actor,
		activitymodels.VerbAuditStarted, activitymodels.ResourceAuditRun, runID.String(), runID.String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(s.base, s.runTimeout)
		defer cancel()
		_, _ = s.Run(runCtx, tenantID, runID, actor) //nolint:errcheck // outcome is recorded by Run
	}()
	return runID, nil
}

// Run executes one audit synchronously and records audit.completed or
// audit.failed. Records are written in sink-sized batches as outcomes
// arrive; a failed write ends the run.
func (s *Service) Run(ctx context.Context, tenantID id.TenantID, runID id.RunID, actor string) (models.Summary, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, tracer.SpanAuditRun,
		tracer.String(tracer.AttrTenantID, tenantID.String()),
		tracer.String(tracer.AttrRunID, runID.String()))

	summary, err := s.collect(ctx, tenantID)
	span.SetAttributes(tracer.Int(tracer.AttrRecords, summary.Resources))
	span.End(err)
	s.metrics.ObserveRun(time.Since(start).Seconds())

	diff := map[string]any{
		"resources":     summary.Resources,
		"compliant":     summary.Compliant,
		"non_compliant": summary.NonCompliant,
		"errors":        summary.Errors,
		"truncated":     summary.Truncated,
	}
	verb := activitymodels.VerbAuditCompleted
	if err != nil {
		verb = activitymodels.VerbAuditFailed
		diff["error"] = string(dErrors.CodeOf(err))
		diff["reason"] = err.Error()
		s.metrics.IncRun("failed")
		s.logger.ErrorContext(ctx, "audit run failed",
			"log_type", "activity",
			"tenant_id", tenantID,
			"run_id", runID,
			"error", err,
		)
	} else {
		s.metrics.IncRun("completed")
		s.logger.InfoContext(ctx, "audit run completed",
			"log_type", "activity",
			"tenant_id", tenantID,
			"run_id", runID,
			"resources", summary.Resources,
			"compliant", summary.Compliant,
		)
	}

	recordCtx := context.WithoutCancel(ctx)
	s.recorder.Record(recordCtx, activitymodels.NewEntry(recordCtx, tenantID, actor,
		verb, activitymodels.ResourceAuditRun, runID.String(), runID.String()).WithDiff(diff))
	return summary, err
}

func (s *Service) collect(ctx context.Context, tenantID id.TenantID) (models.Summary, error) {
	var summary models.Summary

	session, err := s.broker.Session(ctx, tenantID)
	if err != nil {
		return summary, err
	}
	outcomes, err := s.scanner.Scan(ctx, session, scanner.Selector{})
	if err != nil {
		return summary, err
	}

	batch := make([]models.Record, 0, store.BatchSize)
	for o := range outcomes {
		r := s.classifier.Classify(tenantID, o)
		batch = append(batch, r)
		if len(batch) < store.BatchSize {
			continue
		}
		if err = s.write(ctx, tenantID, batch, &summary); err != nil {
			break
		}
		batch = batch[:0]
	}
	if err != nil {
		return summary, err
	}
	if len(batch) > 0 {
		if err := s.write(ctx, tenantID, batch, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// write persists one batch and counts it only once it is durable.
func (s *Service) write(ctx context.Context, tenantID id.TenantID, batch []models.Record, summary *models.Summary) error {
	ctx, span := s.tracer.Start(ctx, tracer.SpanSinkWrite, tracer.Int(tracer.AttrRecords, len(batch)))
	err := s.scoper.WithTenantScope(ctx, tenantID, func(ctx context.Context) error {
		return s.sink.Write(ctx, batch)
	})
	if err != nil {
		span.End(err)
		if ctx.Err() != nil {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "persist evidence: run deadline exceeded")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist evidence")
	}
	for _, r := range batch {
		summary.Add(r)
		s.metrics.IncRecord(string(r.Status), r.Truncated)
		if r.Truncated {
			span.AddEvent(tracer.EventTruncated, tracer.String(tracer.AttrResource, r.Resource))
		}
	}
	span.End(nil)
	return nil
}

// List returns a page of the tenant's evidence, newest first.
func (s *Service) List(ctx context.Context, tenantID id.TenantID, control string, limit *int, offset int) (*models.Page, error) {
	q := models.Query{TenantID: tenantID, Control: control, Limit: models.DefaultLimit, Offset: offset}
	if limit != nil {
		if *limit < 1 {
			return nil, dErrors.New(dErrors.CodeValidation, "limit must be at least 1")
		}
		q.Limit = min(*limit, models.MaxLimit)
	}
	if offset < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "offset must not be negative")
	}

	var page *models.Page
	err := s.scoper.WithTenantScope(ctx, tenantID, func(ctx context.Context) error {
		var listErr error
		page, listErr = s.sink.List(ctx, q)
		return listErr
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list evidence")
	}
	return page, nil
}

// Close cancels in-flight runs and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
