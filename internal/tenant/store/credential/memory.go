package credential

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
	mu          sync.RWMutex
	credentials map[id.CredentialID]models.Credential
}

func NewInMemory() *InMemory {
	return &InMemory{credentials: make(map[id.CredentialID]models.Credential)}
}

func (s *InMemory) Create(ctx context.Context, c *models.Credential) error {
	if !database.VisibleTo(ctx, c.TenantID) {
		return fmt.Errorf("credential outside tenant scope: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[c.ID]; exists {
		return fmt.Errorf("credential %s: %w", c.ID, sentinel.ErrAlreadyUsed)
	}
	s.credentials[c.ID] = *c
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, tenantID id.TenantID, credentialID id.CredentialID) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[credentialID]
	if !ok || c.TenantID != tenantID || !database.VisibleTo(ctx, c.TenantID) {
		return nil, sentinel.ErrNotFound
	}
	return &c, nil
}

// CountByTenant is used by tests asserting one credential per onboarding.
func (s *InMemory) CountByTenant(_ context.Context, tenantID id.TenantID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.credentials {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n
}
