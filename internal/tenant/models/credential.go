package models

import (
	"time"

	id "securebase/pkg/domain"
)

type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// Credential is an API key. Only the bcrypt hash of the secret is kept.
type Credential struct {
	ID          id.CredentialID  `json:"id"`
	TenantID    id.TenantID      `json:"tenant_id"`
	PrincipalID *id.PrincipalID  `json:"principal_id,omitempty"`
	SecretHash  string           `json:"-"`
	Status      CredentialStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	LastUsedAt  *time.Time       `json:"last_used_at,omitempty"`
}

func NewCredential(credentialID id.CredentialID, tenantID id.TenantID, secretHash string, now time.Time) *Credential {
	return &Credential{
		ID:         credentialID,
		TenantID:   tenantID,
		SecretHash: secretHash,
		Status:     CredentialActive,
		CreatedAt:  now,
	}
}
