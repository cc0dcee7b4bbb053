// Package store persists notification deliveries.
package store

import (
	"context"
	"fmt"
	"sync"

	"securebase/internal/notification/models"
	"securebase/internal/platform/database"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

type InMemory struct {
	mu         sync.RWMutex
	deliveries map[id.NotificationID]models.Delivery
}

func NewInMemory() *InMemory {
	return &InMemory{deliveries: make(map[id.NotificationID]models.Delivery)}
}

func (s *InMemory) Insert(ctx context.Context, d *models.Delivery) error {
	if !database.VisibleTo(ctx, d.TenantID) {
		return fmt.Errorf("delivery outside tenant scope: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[d.ID]; exists {
		return fmt.Errorf("delivery %s: %w", d.ID, sentinel.ErrAlreadyUsed)
	}
	s.deliveries[d.ID] = *d
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, tenantID id.TenantID, deliveryID id.NotificationID) (*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[deliveryID]
	if !ok || d.TenantID != tenantID || !database.VisibleTo(ctx, d.TenantID) {
		return nil, sentinel.ErrNotFound
	}
	return &d, nil
}

// Update writes attempts, status and last error while the stored row is
// still pending. A terminal status erases the sealed variables.
func (s *InMemory) Update(ctx context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok || cur.TenantID != d.TenantID || !database.VisibleTo(ctx, cur.TenantID) {
		return sentinel.ErrNotFound
	}
	if cur.Status != models.StatusPending {
		return fmt.Errorf("delivery %s is %s: %w", d.ID, cur.Status, sentinel.ErrInvalidState)
	}
	cur.Status = d.Status
	cur.Attempts = d.Attempts
	cur.LastError = d.LastError
	cur.UpdatedAt = d.UpdatedAt
	if cur.Status.IsTerminal() {
		cur.SealedVars = nil
	}
	s.deliveries[d.ID] = cur
	return nil
}

// CountByTenant is used by tests asserting exactly-once deliveries.
func (s *InMemory) CountByTenant(tenantID id.TenantID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.deliveries {
		if d.TenantID == tenantID {
			n++
		}
	}
	return n
}
