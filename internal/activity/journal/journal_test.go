package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"securebase/internal/activity/models"
	"securebase/internal/activity/store"
	"securebase/internal/platform/database"
	"securebase/internal/platform/kafka/producer"
	id "securebase/pkg/domain"
)

type flakyStore struct {
	*store.InMemory
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Append(ctx context.Context, entries ...models.Entry) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.InMemory.Append(ctx, entries...)
}

type captureOutbox struct {
	mu   sync.Mutex
	msgs []*producer.Message
}

func (c *captureOutbox) Produce(_ context.Context, msg *producer.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

type JournalSuite struct {
	suite.Suite
	store  *flakyStore
	tenant id.TenantID
	logger *slog.Logger
}

func TestJournalSuite(t *testing.T) {
	suite.Run(t, new(JournalSuite))
}

func (s *JournalSuite) SetupTest() {
	s.store = &flakyStore{InMemory: store.NewInMemory()}
	s.tenant = id.TenantID(uuid.New())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *JournalSuite) entry(key string) models.Entry {
	return models.NewEntry(context.Background(), s.tenant, "", models.VerbAuditCompleted, models.ResourceAuditRun, key, key)
}

func (s *JournalSuite) list() *models.Page {
	page, err := s.store.List(context.Background(), models.Filter{
		TenantID: s.tenant,
		End:      time.Now().Add(time.Hour),
		Limit:    models.MaxLimit,
	})
	s.Require().NoError(err)
	return page
}

func (s *JournalSuite) TestCloseDrainsBufferedEntries() {
	j := New(s.store, database.NewMemoryTxRunner(), WithLogger(s.logger), WithFlushInterval(time.Hour))
	for _, k := range []string{"a", "b", "c"} {
		j.Record(context.Background(), s.entry(k))
	}
	j.Close()

	s.Equal(3, s.list().Total)
}

func (s *JournalSuite) TestFailedFlushIsRetried() {
	s.store.failures = 1
	j := New(s.store, database.NewMemoryTxRunner(), WithLogger(s.logger), WithFlushInterval(10*time.Millisecond))
	j.Record(context.Background(), s.entry("a"))

	s.Eventually(func() bool { return s.store.Count() == 1 }, time.Second, 10*time.Millisecond)
	j.Close()
	s.Equal(1, s.list().Total)
}

func (s *JournalSuite) TestDuplicateRecordsCollapse() {
	j := New(s.store, database.NewMemoryTxRunner(), WithLogger(s.logger), WithFlushInterval(time.Hour))
	e := s.entry("same")
	j.Record(context.Background(), e)
	j.Record(context.Background(), e)
	j.Close()

	s.Equal(2, s.store.Count())
	s.Equal(1, s.list().Total)
}

func (s *JournalSuite) TestRecordAfterCloseWritesSynchronously() {
	j := New(s.store, database.NewMemoryTxRunner(), WithLogger(s.logger))
	j.Close()

	j.Record(context.Background(), s.entry("late"))
	s.Equal(1, s.list().Total)
}

func (s *JournalSuite) TestOutboxPublishesWrittenEntries() {
	outbox := &captureOutbox{}
	j := New(s.store, database.NewMemoryTxRunner(),
		WithLogger(s.logger),
		WithFlushInterval(time.Hour),
		WithOutbox(outbox, "securebase.activity"),
	)
	e := s.entry("a")
	j.Record(context.Background(), e)
	j.Close()

	s.Require().Len(outbox.msgs, 1)
	s.Equal("securebase.activity", outbox.msgs[0].Topic)
	s.Equal(e.ID.String(), string(outbox.msgs[0].Key))
	s.Equal(models.VerbAuditCompleted, outbox.msgs[0].Headers["verb"])
}
