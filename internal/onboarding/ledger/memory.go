// Package ledger persists the Payment Event Ledger. One row per provider
// event id serializes onboarding for that event.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"securebase/internal/onboarding/models"
	"securebase/pkg/platform/sentinel"
)

type InMemory struct {
	mu      sync.Mutex
	entries map[string]models.Entry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]models.Entry)}
}

func (s *InMemory) Insert(_ context.Context, e *models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.EventID]; exists {
		return fmt.Errorf("payment event %s: %w", e.EventID, sentinel.ErrAlreadyUsed)
	}
	s.entries[e.EventID] = *e
	return nil
}

func (s *InMemory) Find(_ context.Context, eventID string) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &e, nil
}

// Acquire leases a claimable row until the given time and counts the attempt.
func (s *InMemory) Acquire(_ context.Context, eventID string, now, until time.Time) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !e.Claimable(now) {
		return nil, fmt.Errorf("payment event %s is %s: %w", eventID, e.Status, sentinel.ErrInvalidState)
	}
	e.Status = models.OutcomeQueued
	e.Attempts++
	e.LeaseUntil = &until
	e.UpdatedAt = now
	s.entries[eventID] = e
	return &e, nil
}

func (s *InMemory) Advance(_ context.Context, claim models.Claim, step models.Step, now time.Time) error {
	return s.update(claim, func(e *models.Entry) {
		if step > e.Step {
			e.Step = step
		}
		e.UpdatedAt = now
	})
}

// Release drops the lease so the sweeper may resume the row.
func (s *InMemory) Release(_ context.Context, claim models.Claim, reason string, now time.Time) error {
	return s.update(claim, func(e *models.Entry) {
		e.LeaseUntil = nil
		e.Reason = reason
		e.UpdatedAt = now
	})
}

func (s *InMemory) Finish(_ context.Context, claim models.Claim, outcome models.Outcome, reason string, now time.Time) error {
	return s.update(claim, func(e *models.Entry) {
		e.Status = outcome
		e.LeaseUntil = nil
		e.Reason = reason
		e.UpdatedAt = now
	})
}

// Resumable lists queued rows without a live lease, oldest first.
func (s *InMemory) Resumable(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []models.Entry
	for _, e := range s.entries {
		if e.Status == models.OutcomeQueued && e.Claimable(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ArrivedAt.Before(ready[j].ArrivedAt) })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	ids := make([]string, len(ready))
	for i, e := range ready {
		ids[i] = e.EventID
	}
	return ids, nil
}

// update mutates a row that is queued under the claim's attempt. Finished
// rows and rows re-acquired by a newer attempt are not touched.
func (s *InMemory) update(claim models.Claim, fn func(e *models.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[claim.EventID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if e.Status != models.OutcomeQueued {
		return fmt.Errorf("payment event %s is %s: %w", claim.EventID, e.Status, sentinel.ErrInvalidState)
	}
	if e.Attempts != claim.Attempt {
		return fmt.Errorf("payment event %s was re-acquired by attempt %d: %w", claim.EventID, e.Attempts, sentinel.ErrInvalidState)
	}
	fn(&e)
	s.entries[claim.EventID] = e
	return nil
}
