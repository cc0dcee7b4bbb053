package store

import (
	"context"
	"sort"
	"sync"

	"securebase/internal/activity/models"
	"securebase/internal/platform/database"
)

// InMemory keeps activity entries in insertion order. Like the Postgres
// table it is append-only and may hold the same entry id more than once.
type InMemory struct {
	mu      sync.RWMutex
	entries []models.Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(ctx context.Context, entries ...models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if !database.VisibleTo(ctx, e.TenantID) {
			return errForeignTenant
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *InMemory) List(ctx context.Context, f models.Filter) (*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.entries))
	matched := make([]models.Entry, 0)
	for _, e := range s.entries {
		if e.TenantID != f.TenantID || !database.VisibleTo(ctx, e.TenantID) {
			continue
		}
		key := e.ID.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if !matches(e, f) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].OccurredAt.After(matched[j].OccurredAt)
	})

	page := &models.Page{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Entries: []models.Entry{}}
	if f.Offset >= len(matched) {
		return page, nil
	}
	end := min(f.Offset+f.Limit, len(matched))
	page.Entries = append(page.Entries, matched[f.Offset:end]...)
	return page, nil
}

// Count returns the raw number of stored rows, duplicates included.
func (s *InMemory) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matches(e models.Entry, f models.Filter) bool {
	if f.Verb != "" && e.Verb != f.Verb {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if !f.Start.IsZero() && e.OccurredAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.OccurredAt.After(f.End) {
		return false
	}
	return true
}
