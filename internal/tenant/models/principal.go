package models

import (
	"net/mail"
	"strings"
	"time"

	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

type PrincipalStatus string

const (
	// PrincipalInvited principals hold an unused setup link.
	PrincipalInvited  PrincipalStatus = "invited"
	PrincipalActive   PrincipalStatus = "active"
	PrincipalDisabled PrincipalStatus = "disabled"
)

type Principal struct {
	ID             id.PrincipalID  `json:"id"`
	TenantID       id.TenantID     `json:"tenant_id"`
	Email          string          `json:"email"`
	DisplayName    string          `json:"display_name"`
	Role           Role            `json:"role"`
	Status         PrincipalStatus `json:"status"`
	CredentialHash string          `json:"-"`
	SetupTokenHash string          `json:"-"`
	MFAEnabled     bool            `json:"mfa_enabled"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewInvitedAdmin creates the first admin of a tenant. It has no password;
// setupTokenHash is the hash of the one-time link sent to the contact.
func NewInvitedAdmin(principalID id.PrincipalID, tenantID id.TenantID, email, displayName, setupTokenHash string, now time.Time) (*Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "principal email must be valid")
	}
	if setupTokenHash == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "setup token hash is required")
	}
	return &Principal{
		ID:             principalID,
		TenantID:       tenantID,
		Email:          email,
		DisplayName:    strings.TrimSpace(displayName),
		Role:           RoleAdmin,
		Status:         PrincipalInvited,
		SetupTokenHash: setupTokenHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CountsAsAdmin reports whether the principal satisfies the one-admin rule.
func (p *Principal) CountsAsAdmin() bool {
	return p.Role == RoleAdmin && p.Status != PrincipalDisabled
}
