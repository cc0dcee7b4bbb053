// Package journal buffers activity entries off the request path and flushes
// them in batches with at-least-once semantics.
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	activitymetrics "securebase/internal/activity/metrics"
	"securebase/internal/activity/models"
	"securebase/internal/platform/kafka/producer"
	id "securebase/pkg/domain"
)

// Store is the durable sink for entries.
type Store interface {
	Append(ctx context.Context, entries ...models.Entry) error
}

// Scoper runs fn inside a tenant-scoped transaction.
type Scoper interface {
	WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error
}

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	flushTimeout         = 5 * time.Second
	drainAttempts        = 3
)

// Journal is fire-and-forget for callers. Entries that fail to flush stay
// pending and are retried on the next tick, so a flush may write an entry
// twice; readers collapse duplicates by entry id.
type Journal struct {
	store  Store
	scoper Scoper

	outbox producer.Publisher
	topic  string

	entries       chan models.Entry
	batchSize     int
	flushInterval time.Duration
	maxPending    int

	logger  *slog.Logger
	metrics *activitymetrics.Metrics

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	pending []models.Entry
}

type Option func(*Journal)

func WithBufferSize(size int) Option {
	return func(j *Journal) {
		if size > 0 {
			j.entries = make(chan models.Entry, size)
		}
	}
}

func WithBatchSize(size int) Option {
	return func(j *Journal) {
		if size > 0 {
			j.batchSize = size
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.flushInterval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

func WithMetrics(m *activitymetrics.Metrics) Option {
	return func(j *Journal) {
		j.metrics = m
	}
}

// WithOutbox also publishes every durably written entry to topic.
func WithOutbox(p producer.Publisher, topic string) Option {
	return func(j *Journal) {
		j.outbox = p
		j.topic = topic
	}
}

// New creates a journal and starts its flush loop.
func New(store Store, scoper Scoper, opts ...Option) *Journal {
	j := &Journal{
		store:         store,
		scoper:        scoper,
		entries:       make(chan models.Entry, defaultBufferSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.maxPending = cap(j.entries) * 4

	j.wg.Add(1)
	go j.run()
	return j
}

// Record queues an entry. It never fails the caller: when the buffer is
// full or the journal is closed the entry is written synchronously instead.
func (j *Journal) Record(ctx context.Context, entry models.Entry) {
	if entry.ID.IsNil() {
		entry.ID = id.EntryID(uuid.New())
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	j.metrics.IncRecorded()

	j.mu.RLock()
	if !j.closed {
		select {
		case j.entries <- entry:
			j.mu.RUnlock()
			return
		default:
		}
	}
	j.mu.RUnlock()

	j.metrics.IncOverflow()
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if failed := j.write(writeCtx, []models.Entry{entry}); len(failed) > 0 {
		j.logger.ErrorContext(ctx, "activity entry lost",
			"log_type", "activity",
			"verb", entry.Verb,
			"tenant_id", entry.TenantID,
			"entry_id", entry.ID,
		)
	}
}

// Close stops accepting buffered entries and drains what is pending.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-j.entries:
			if !ok {
				j.drain()
				return
			}
			j.pending = append(j.pending, e)
			if len(j.pending) >= j.batchSize {
				j.flush()
			}
		case <-ticker.C:
			j.flush()
		}
	}
}

func (j *Journal) drain() {
	for attempt := 0; attempt < drainAttempts && len(j.pending) > 0; attempt++ {
		j.flush()
	}
	if len(j.pending) > 0 {
		j.logger.Error("activity entries lost on shutdown", "log_type", "activity", "count", len(j.pending))
	}
}

func (j *Journal) flush() {
	if len(j.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	j.pending = j.write(ctx, j.pending)
	if over := len(j.pending) - j.maxPending; over > 0 {
		j.logger.Error("activity backlog over capacity, dropping oldest entries",
			"log_type", "activity",
			"dropped", over,
		)
		j.pending = append([]models.Entry(nil), j.pending[over:]...)
	}
}

// write flushes entries grouped by tenant and returns those that failed.
func (j *Journal) write(ctx context.Context, entries []models.Entry) []models.Entry {
	order := make([]id.TenantID, 0)
	groups := make(map[id.TenantID][]models.Entry)
	for _, e := range entries {
		if _, ok := groups[e.TenantID]; !ok {
			order = append(order, e.TenantID)
		}
		groups[e.TenantID] = append(groups[e.TenantID], e)
	}

	var failed []models.Entry
	for _, tenantID := range order {
		group := groups[tenantID]
		err := j.scoper.WithTenantScope(ctx, tenantID, func(ctx context.Context) error {
			return j.store.Append(ctx, group...)
		})
		if err != nil {
			j.metrics.IncFlushFailure()
			j.logger.WarnContext(ctx, "activity flush failed, will retry",
				"tenant_id", tenantID,
				"count", len(group),
				"error", err,
			)
			failed = append(failed, group...)
			continue
		}
		j.metrics.ObserveFlush(len(group))
		j.publish(ctx, group)
	}
	return failed
}

func (j *Journal) publish(ctx context.Context, entries []models.Entry) {
	if j.outbox == nil {
		return
	}
	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			j.metrics.IncPublishError()
			continue
		}
		err = j.outbox.Produce(ctx, &producer.Message{
			Topic: j.topic,
			Key:   []byte(e.ID.String()),
			Value: value,
			Headers: map[string]string{
				"tenant_id": e.TenantID.String(),
				"verb":      e.Verb,
			},
		})
		if err != nil {
			j.metrics.IncPublishError()
			j.logger.WarnContext(ctx, "activity outbox publish failed", "entry_id", e.ID, "error", err)
			continue
		}
		j.metrics.IncPublished()
	}
}
