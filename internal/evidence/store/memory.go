package store

import (
	"context"
	"sort"
	"sync"

	"securebase/internal/evidence/models"
	"securebase/internal/platform/database"
)

// InMemory keeps records keyed by their natural key.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]models.Record
	ceiling int
}

// NewInMemory returns an empty store. ceiling drives legacy re-flagging on read.
func NewInMemory(ceiling int) *InMemory {
	return &InMemory{records: make(map[string]models.Record), ceiling: ceiling}
}

func (s *InMemory) Write(ctx context.Context, records []models.Record) error {
	for _, r := range records {
		if !database.VisibleTo(ctx, r.TenantID) {
			return errForeignTenant
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		key := r.Key()
		if _, exists := s.records[key]; exists {
			continue
		}
		s.records[key] = r
	}
	return nil
}

func (s *InMemory) List(ctx context.Context, q models.Query) (*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.Record, 0)
	for _, r := range s.records {
		if r.TenantID != q.TenantID || !database.VisibleTo(ctx, r.TenantID) {
			continue
		}
		if q.Control != "" && r.Control != q.Control {
			continue
		}
		matched = append(matched, r.Reflag(s.ceiling))
	}
	sortNewestFirst(matched)

	page := normalizePage(q, len(matched))
	if q.Offset >= len(matched) {
		return page, nil
	}
	end := min(q.Offset+q.Limit, len(matched))
	page.Records = append(page.Records, matched[q.Offset:end]...)
	return page, nil
}

// Put seeds a record as-is, bypassing the writer. Used to load legacy rows.
func (s *InMemory) Put(r models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Key()] = r
}

func sortNewestFirst(records []models.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.After(b.CapturedAt)
		}
		if a.Control != b.Control {
			return a.Control < b.Control
		}
		return a.Resource < b.Resource
	})
}
