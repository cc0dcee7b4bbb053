package models

import (
	"net/mail"
	"strings"
	"time"

	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
)

type Tier string

const (
	TierHealthcare Tier = "healthcare"
	TierFintech    Tier = "fintech"
	TierGovernment Tier = "government"
	TierStandard   Tier = "standard"
)

func (t Tier) IsValid() bool {
	switch t {
	case TierHealthcare, TierFintech, TierGovernment, TierStandard:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// transitions is the tenant lifecycle. terminated is absorbing.
var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusTerminated},
	StatusActive:    {StatusSuspended, StatusTerminated},
	StatusSuspended: {StatusActive, StatusTerminated},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusTerminated:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows s -> to.
func (s Status) CanTransition(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Delegation identifies the role the credential broker assumes in the
// tenant's cloud account.
type Delegation struct {
	AccountID string `json:"account_id"`
	RoleName  string `json:"role_name"`
}

func (d Delegation) IsZero() bool {
	return d.AccountID == "" && d.RoleName == ""
}

type Tenant struct {
	ID         id.TenantID `json:"id"`
	Name       string      `json:"name"`
	Contact    string      `json:"contact"`
	Tier       Tier        `json:"tier"`
	Framework  string      `json:"framework"`
	Status     Status      `json:"status"`
	Delegation Delegation  `json:"delegation"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewTenant builds a tenant in pending status.
func NewTenant(tenantID id.TenantID, name, contact string, tier Tier, framework string, delegation Delegation, now time.Time) (*Tenant, error) {
	contact = strings.ToLower(strings.TrimSpace(contact))
	name = strings.TrimSpace(name)
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant id is required")
	}
	if _, err := mail.ParseAddress(contact); err != nil || contact == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "contact must be a valid email")
	}
	if !tier.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "tier must be one of healthcare, fintech, government, standard")
	}
	if name == "" {
		name = contact
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeValidation, "tenant name must be 128 characters or less")
	}
	return &Tenant{
		ID:         tenantID,
		Name:       name,
		Contact:    contact,
		Tier:       tier,
		Framework:  strings.TrimSpace(framework),
		Status:     StatusPending,
		Delegation: delegation,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// IsLive reports whether the tenant still holds its contact address.
func (t *Tenant) IsLive() bool {
	return t.Status != StatusTerminated
}

// Transition moves the tenant along its lifecycle.
func (t *Tenant) Transition(to Status, now time.Time) error {
	if !to.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown tenant status")
	}
	if !t.Status.CanTransition(to) {
		return dErrors.New(dErrors.CodeConflict, "tenant cannot move from "+string(t.Status)+" to "+string(to))
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}
