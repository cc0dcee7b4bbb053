package principal

import (
	"context"
	"fmt"
	"sync"

	"securebase/internal/platform/database"
	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/platform/sentinel"
)

type InMemory struct {
	mu         sync.RWMutex
	principals map[id.PrincipalID]models.Principal
}

func NewInMemory() *InMemory {
	return &InMemory{principals: make(map[id.PrincipalID]models.Principal)}
}

func (s *InMemory) Create(ctx context.Context, p *models.Principal) error {
	if !database.VisibleTo(ctx, p.TenantID) {
		return fmt.Errorf("principal outside tenant scope: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.principals[p.ID]; exists {
		return fmt.Errorf("principal %s: %w", p.ID, sentinel.ErrAlreadyUsed)
	}
	for _, existing := range s.principals {
		if existing.TenantID == p.TenantID && existing.Email == p.Email {
			return fmt.Errorf("principal email %s: %w", p.Email, sentinel.ErrAlreadyUsed)
		}
	}
	s.principals[p.ID] = *p
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, tenantID id.TenantID, principalID id.PrincipalID) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[principalID]
	if !ok || p.TenantID != tenantID || !database.VisibleTo(ctx, p.TenantID) {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

func (s *InMemory) CountAdmins(ctx context.Context, tenantID id.TenantID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.principals {
		if p.TenantID == tenantID && database.VisibleTo(ctx, p.TenantID) && p.CountsAsAdmin() {
			n++
		}
	}
	return n, nil
}

// CountByTenant includes every principal regardless of role or status.
func (s *InMemory) CountByTenant(_ context.Context, tenantID id.TenantID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.principals {
		if p.TenantID == tenantID {
			n++
		}
	}
	return n
}
