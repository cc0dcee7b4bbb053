// Package models defines payment events and the onboarding protocol state.
package models

import (
	"time"

	tenantmodels "securebase/internal/tenant/models"
	id "securebase/pkg/domain"
	"securebase/pkg/validation"
)

// Outcome is the processing state of a payment event.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// IsTerminal reports whether the event needs no further work.
// failed is not terminal: a redelivered event may reclaim it.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeCompleted || o == OutcomeRejected
}

// Step is the last side effect the ledger has confirmed for an event.
type Step int

const (
	StepNone Step = iota
	StepTenantCreated
	StepCredentialIssued
	StepAdminInvited
	StepNotified
	StepProvisioned
)

// Request is the onboarding input carried by a verified payment event.
type Request struct {
	EventID    string                  `json:"event_id" validate:"notblank,max=255"`
	Name       string                  `json:"name" validate:"max=200"`
	Contact    string                  `json:"contact" validate:"required,email"`
	Tier       tenantmodels.Tier       `json:"tier" validate:"oneof=healthcare fintech government standard"`
	Framework  string                  `json:"framework" validate:"max=64"`
	Delegation tenantmodels.Delegation `json:"delegation"`
}

// Validate checks the fields the orchestrator cannot proceed without.
func (r Request) Validate() error {
	return validation.Validate(r)
}

// Entry is one Payment Event Ledger row.
type Entry struct {
	EventID    string
	Status     Outcome
	Payload    Request
	Step       Step
	Attempts   int
	LeaseUntil *time.Time
	Reason     string
	ArrivedAt  time.Time
	UpdatedAt  time.Time
}

// NewEntry returns a queued, unleased row for req.
func NewEntry(req Request, now time.Time) *Entry {
	return &Entry{
		EventID:   req.EventID,
		Status:    OutcomeQueued,
		Payload:   req,
		ArrivedAt: now,
		UpdatedAt: now,
	}
}

// Claim identifies one acquisition of a row. Attempt fences writes: once
// another worker re-acquires the row, writes carrying the older attempt are
// refused.
type Claim struct {
	EventID string
	Attempt int
}

// Claim returns the fencing claim of an acquired row.
func (e *Entry) Claim() Claim {
	return Claim{EventID: e.EventID, Attempt: e.Attempts}
}

// Claimable reports whether a worker may take the row at now.
func (e *Entry) Claimable(now time.Time) bool {
	switch e.Status {
	case OutcomeQueued:
		return e.LeaseUntil == nil || !e.LeaseUntil.After(now)
	case OutcomeFailed:
		return true
	}
	return false
}

// Artifacts are the identifiers onboarding creates for one event. They are
// derived from the event id, so every attempt addresses the same rows.
type Artifacts struct {
	TenantID     id.TenantID       `json:"tenant_id"`
	CredentialID id.CredentialID   `json:"credential_id"`
	PrincipalID  id.PrincipalID    `json:"principal_id"`
	WelcomeID    id.NotificationID `json:"welcome_notification_id"`
	AdminSetupID id.NotificationID `json:"admin_setup_notification_id"`
	MessageID    id.MessageID      `json:"provisioning_message_id"`
}

// ArtifactsFor derives the artifact ids of eventID.
func ArtifactsFor(eventID string) Artifacts {
	return Artifacts{
		TenantID:     id.TenantID(id.Derive(eventID, "tenant")),
		CredentialID: id.CredentialID(id.Derive(eventID, "credential")),
		PrincipalID:  id.PrincipalID(id.Derive(eventID, "principal:admin")),
		WelcomeID:    id.NotificationID(id.Derive(eventID, "notification:welcome")),
		AdminSetupID: id.NotificationID(id.Derive(eventID, "notification:admin_setup")),
		MessageID:    id.MessageID(id.Derive(eventID, "provisioning")),
	}
}

// Result reports how an event ended, or where it stands.
type Result struct {
	EventID string  `json:"event_id"`
	Status  Outcome `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	Artifacts
}
