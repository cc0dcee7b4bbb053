package tenant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

// InMemory stores tenants in memory. Returned tenants are copies.
type InMemory struct {
	mu      sync.RWMutex
	tenants map[id.TenantID]models.Tenant
}

func NewInMemory() *InMemory {
	return &InMemory{tenants: make(map[id.TenantID]models.Tenant)}
}

// Create inserts t unless its id exists or its contact already owns a live tenant.
func (s *InMemory) Create(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[t.ID]; exists {
		return fmt.Errorf("tenant %s: %w", t.ID, ErrDuplicateID)
	}
	for _, existing := range s.tenants {
		if existing.IsLive() && existing.Contact == t.Contact {
			return fmt.Errorf("contact %s: %w", t.Contact, ErrContactTaken)
		}
	}
	s.tenants[t.ID] = *t
	return nil
}

func (s *InMemory) FindByID(_ context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &t, nil
}

func (s *InMemory) FindLiveByContact(_ context.Context, contact string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.IsLive() && t.Contact == contact {
			return &t, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// UpdateStatus moves the tenant from -> to only if it is still in from.
func (s *InMemory) UpdateStatus(_ context.Context, tenantID id.TenantID, from, to models.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if t.Status != from {
		return fmt.Errorf("tenant is %s, expected %s: %w", t.Status, from, sentinel.ErrInvalidState)
	}
	t.Status = to
	t.UpdatedAt = at
	s.tenants[tenantID] = t
	return nil
}

func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants), nil
}
