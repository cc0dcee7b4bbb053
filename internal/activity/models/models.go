// Package models defines the append-only activity entries that feed the
// portal's audit view.
package models

import (
	"context"
	"strings"
	"time"

	id "securebase/pkg/domain"
	"securebase/pkg/requestcontext"
)

// ActorSystem marks entries produced by the pipeline rather than a principal.
const ActorSystem = "system"

// Verbs written by the core pipeline.
const (
	VerbTenantCreated       = "tenant.created"
	VerbTenantStatusChanged = "tenant.status_changed"
	VerbTenantSuspended     = "tenant.suspended"
	VerbOnboardingCompleted = "onboarding.completed"
	VerbOnboardingRejected  = "onboarding.rejected"
	VerbAccessDenied        = "access.denied"
	VerbAuditStarted        = "audit.started"
	VerbAuditCompleted      = "audit.completed"
	VerbAuditFailed         = "audit.failed"
	VerbDelegationDenied    = "delegation.denied"
	VerbCredentialIssued    = "credential.issued"
	VerbPrincipalInvited    = "principal.invited"
)

// Resource types.
const (
	ResourceTenant     = "tenant"
	ResourcePrincipal  = "principal"
	ResourceAuditRun   = "audit_run"
	ResourceEvidence   = "evidence"
	ResourceActivity   = "activity"
	ResourceDelegation = "delegation"
	ResourceCredential = "credential"
)

// Entry is one immutable row of the per-tenant activity log.
type Entry struct {
	ID           id.EntryID     `json:"id"`
	TenantID     id.TenantID    `json:"tenant_id"`
	Actor        string         `json:"actor"`
	Verb         string         `json:"verb"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Diff         map[string]any `json:"diff,omitempty"`
	ClientIP     string         `json:"client_ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// NewEntry builds an entry stamped with the request's client metadata and
// time. key must be stable across retries of the same logical action so the
// journal can collapse duplicates.
func NewEntry(ctx context.Context, tenantID id.TenantID, actor, verb, resourceType, resourceID, key string) Entry {
	if actor == "" {
		actor = ActorSystem
	}
	return Entry{
		ID:           DeriveID(tenantID, verb, key),
		TenantID:     tenantID,
		Actor:        actor,
		Verb:         verb,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ClientIP:     requestcontext.ClientIP(ctx),
		UserAgent:    requestcontext.UserAgent(ctx),
		OccurredAt:   requestcontext.Now(ctx).UTC(),
	}
}

// WithDiff returns a copy of e carrying the structured change.
func (e Entry) WithDiff(diff map[string]any) Entry {
	e.Diff = diff
	return e
}

// DeriveID returns the deterministic id for (tenant, verb, key).
func DeriveID(tenantID id.TenantID, verb, key string) id.EntryID {
	return id.EntryID(id.Derive(strings.Join([]string{tenantID.String(), key}, "/"), "activity:"+verb))
}

// DefaultWindow is the look-back applied when a query names no start date.
const DefaultWindow = 30 * 24 * time.Hour

// Paging bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Filter selects entries for one tenant.
type Filter struct {
	TenantID     id.TenantID
	Verb         string
	Actor        string
	ResourceType string
	Start        time.Time
	End          time.Time
	Limit        int
	Offset       int
}

// Page is one slice of a filtered, de-duplicated result set.
type Page struct {
	Entries []Entry
	Total   int
	Limit   int
	Offset  int
}
