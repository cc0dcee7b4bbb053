// Package scanner enumerates a tenant's storage buckets and reads each
// bucket's configuration for the requested controls.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"securebase/internal/broker"
	"securebase/internal/platform/config"
	"securebase/internal/platform/tracer"
	dErrors "securebase/pkg/domain-errors"
	"securebase/pkg/platform/retry"
	"securebase/pkg/platform/sentinel"
)

// ControlEncryptionAtRest is the only control the scanner currently probes.
const ControlEncryptionAtRest = "encryption_at_rest"

// Outcome is the single result for one (resource, control) pair. Exactly one
// of Config/Absent/Err describes it.
type Outcome struct {
	Resource   string
	Control    string
	Config     []byte
	Absent     bool
	Err        error
	CapturedAt time.Time
}

// Selector narrows the enumeration.
type Selector struct {
	// Resources, when set, limits the scan to these names.
	Resources []string
	Controls  []string
}

// ResourceAPI is the cloud surface the scanner needs. Implementations report
// a missing configuration as ErrNoConfiguration, permission failures as
// ErrForbidden and retryable transport failures as sentinel.ErrUnavailable.
type ResourceAPI interface {
	ListResources(ctx context.Context) ([]string, error)
	Configuration(ctx context.Context, resource, control string) ([]byte, error)
}

// ClientFactory builds a ResourceAPI bound to a delegation session.
type ClientFactory func(session broker.Session) ResourceAPI

var (
	ErrNoConfiguration = errors.New("no configuration")
	ErrForbidden       = errors.New("insufficient permission")
)

type Scanner struct {
	factory ClientFactory
	cfg     config.ScannerConfig
	tracer  tracer.Tracer
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

type Option func(*Scanner)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Scanner) {
		s.tracer = t
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

func New(factory ClientFactory, cfg config.ScannerConfig, opts ...Option) *Scanner {
	s := &Scanner{
		factory: factory,
		cfg:     cfg,
		tracer:  tracer.NewNoop(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.Concurrency < 1 {
		s.cfg.Concurrency = 8
	}
	return s
}

func (s *Scanner) policy() retry.Policy {
	return retry.Policy{MaxRetries: s.cfg.MaxRetries, BaseDelay: s.cfg.BaseDelay, MaxDelay: s.cfg.MaxDelay}
}

// Scan enumerates resources eagerly and returns an iterator that yields one
// Outcome per (resource, control) as probes finish. Breaking out of the loop
// stops outstanding probes. Enumeration failures are returned directly.
func (s *Scanner) Scan(ctx context.Context, session broker.Session, sel Selector) (iter.Seq[Outcome], error) {
	controls := sel.Controls
	if len(controls) == 0 {
		controls = []string{ControlEncryptionAtRest}
	}
	api := s.factory(session)

	var resources []string
	err := retry.Do(ctx, s.policy(), isRetryable, func(ctx context.Context) error {
		var listErr error
		resources, listErr = api.ListResources(ctx)
		return listErr
	})
	if err != nil {
		return nil, classify(err, "enumerate resources")
	}
	resources = filterResources(resources, sel.Resources)
	s.metrics.ObserveResources(len(resources))

	return func(yield func(Outcome) bool) {
		ctx, span := s.tracer.Start(ctx, tracer.SpanScan, tracer.Int(tracer.AttrResources, len(resources)))
		defer span.End(nil)

		out := make(chan Outcome)
		stop := make(chan struct{})
		var stopOnce sync.Once
		halt := func() { stopOnce.Do(func() { close(stop) }) }
		defer halt()

		probeCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			var g errgroup.Group
			g.SetLimit(s.cfg.Concurrency)
		launch:
			for _, resource := range resources {
				for _, control := range controls {
					select {
					case <-stop:
						break launch
					default:
					}
					g.Go(func() error {
						o := s.probe(probeCtx, api, resource, control)
						select {
						case out <- o:
						case <-stop:
						}
						return nil
					})
				}
			}
			_ = g.Wait()
			close(out)
		}()

		for o := range out {
			if !yield(o) {
				halt()
				cancel()
				for range out {
				}
				return
			}
		}
	}, nil
}

// Collect drains a scan into a slice ordered by resource then control.
func Collect(seq iter.Seq[Outcome]) []Outcome {
	var outcomes []Outcome
	for o := range seq {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Resource == outcomes[j].Resource {
			return outcomes[i].Control < outcomes[j].Control
		}
		return outcomes[i].Resource < outcomes[j].Resource
	})
	return outcomes
}

func (s *Scanner) probe(ctx context.Context, api ResourceAPI, resource, control string) Outcome {
	ctx, span := s.tracer.Start(ctx, tracer.SpanScanResource,
		tracer.String(tracer.AttrResource, resource),
		tracer.String(tracer.AttrControl, control))

	if s.cfg.ResourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ResourceTimeout)
		defer cancel()
	}

	start := time.Now()
	var cfgBytes []byte
	attempt := 0
	err := retry.Do(ctx, s.policy(), isRetryable, func(ctx context.Context) error {
		if attempt > 0 {
			span.AddEvent(tracer.EventRetry, tracer.Int(tracer.AttrAttempt, attempt))
		}
		attempt++
		var probeErr error
		cfgBytes, probeErr = api.Configuration(ctx, resource, control)
		return probeErr
	})
	s.metrics.ObserveProbe(time.Since(start).Seconds())

	o := Outcome{Resource: resource, Control: control, CapturedAt: s.now().UTC()}
	switch {
	case err == nil:
		o.Config = cfgBytes
	case errors.Is(err, ErrNoConfiguration):
		o.Absent = true
	default:
		o.Err = classify(err, "read "+control+" configuration")
		s.logger.WarnContext(ctx, "resource probe failed",
			"resource", resource,
			"control", control,
			"error", err,
		)
	}
	s.metrics.IncOutcome(outcomeLabel(o))
	span.End(o.Err)
	return o
}

func isRetryable(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable)
}

// classify maps a probe failure onto the closed error set. Provider text
// stays in the wrapped cause.
func classify(err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+": timed out")
	case errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, op+": cancelled")
	case errors.Is(err, ErrForbidden):
		return dErrors.Wrap(err, dErrors.CodeForbidden, op+": insufficient permission")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUpstreamUnavailable, op+": upstream unavailable")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("%s failed", op))
}

func outcomeLabel(o Outcome) string {
	switch {
	case o.Err != nil:
		return string(dErrors.CodeOf(o.Err))
	case o.Absent:
		return "absent"
	}
	return "present"
}

func filterResources(all, only []string) []string {
	if len(only) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(only))
	for _, r := range only {
		want[r] = struct{}{}
	}
	filtered := make([]string, 0, len(only))
	for _, r := range all {
		if _, ok := want[r]; ok {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
