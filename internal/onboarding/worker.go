package onboarding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	onboardingmetrics "securebase/internal/onboarding/metrics"
	"securebase/internal/onboarding/models"
	dErrors "securebase/pkg/domain-errors"
)

type Processor interface {
	Process(ctx context.Context, eventID string) (*models.Result, error)
}

// ResumableLister finds queued events nobody is working on.
type ResumableLister interface {
	Resumable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Worker runs onboarding off the request path. The ingress enqueues event
// ids; a sweeper re-enqueues queued events whose lease lapsed or that never
// made it into the queue.
type Worker struct {
	processor Processor
	lister    ResumableLister

	queue         chan string
	workers       int
	sweepInterval time.Duration
	timeout       time.Duration
	logger        *slog.Logger
	metrics       *onboardingmetrics.Metrics

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

func WithSweepInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.sweepInterval = d
		}
	}
}

// WithProcessTimeout bounds one Process call.
func WithProcessTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithWorkerMetrics(m *onboardingmetrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

func NewWorker(processor Processor, lister ResumableLister, opts ...WorkerOption) *Worker {
	w := &Worker{
		processor:     processor,
		lister:        lister,
		queue:         make(chan string, 256),
		workers:       4,
		sweepInterval: 30 * time.Second,
		timeout:       5 * time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Enqueue hands eventID to the pool without blocking. It reports false when
// the queue is full or the worker stopped; the sweeper picks the event up
// later because its ledger row stays queued.
func (w *Worker) Enqueue(eventID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	select {
	case w.queue <- eventID:
		return true
	default:
		w.metrics.IncQueueFull()
		return false
	}
}

// Start launches the pool and the sweeper.
func (w *Worker) Start() {
	for range w.workers {
		w.wg.Add(1)
		go w.consume()
	}
	w.wg.Add(1)
	go w.sweepLoop()
}

// Stop stops accepting events and waits for in-flight attempts, or for ctx.
// Events still in the queue stay queued in the ledger.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) consume() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case eventID := <-w.queue:
			w.process(eventID)
		}
	}
}

func (w *Worker) process(eventID string) {
	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	res, err := w.processor.Process(ctx, eventID)
	switch {
	case err == nil:
		w.logger.DebugContext(ctx, "payment event processed", "event_id", eventID, "status", res.Status)
	case dErrors.HasCode(err, dErrors.CodeConflict):
		w.logger.DebugContext(ctx, "payment event held by another worker", "event_id", eventID)
	case errors.Is(err, context.Canceled) && w.ctx.Err() != nil:
		w.logger.InfoContext(ctx, "payment event interrupted by shutdown", "event_id", eventID)
	default:
		w.logger.WarnContext(ctx, "payment event not completed", "event_id", eventID, "error", err)
	}
}

func (w *Worker) sweepLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(w.ctx); err != nil {
				w.logger.ErrorContext(w.ctx, "onboarding sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce enqueues resumable events up to the free queue capacity and
// returns how many were enqueued.
func (w *Worker) SweepOnce(ctx context.Context) (int, error) {
	free := cap(w.queue) - len(w.queue)
	if free <= 0 {
		return 0, nil
	}
	ids, err := w.lister.Resumable(ctx, time.Now().UTC(), free)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, eventID := range ids {
		if !w.Enqueue(eventID) {
			break
		}
		w.metrics.IncResumed()
		n++
	}
	return n, nil
}
