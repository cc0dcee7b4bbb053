// Package models defines notification deliveries and their lifecycle.
package models

import (
	"time"

	id "securebase/pkg/domain"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

func (c Channel) IsValid() bool {
	return c == ChannelEmail || c == ChannelInApp
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

// IsTerminal reports whether no further send will be attempted.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusSuppressed
}

// Template ids.
const (
	TemplateWelcome    = "welcome"
	TemplateAdminSetup = "admin_setup"
)

// Request asks for one notification. ID must be derived from the triggering
// event so a repeated request names the same delivery.
type Request struct {
	ID         id.NotificationID
	TenantID   id.TenantID
	Channel    Channel
	TemplateID string
	Recipient  string
	Vars       map[string]string
}

// Delivery is the durable record of one notification. Vars are sealed at
// rest and only SealedVars is persisted, until the delivery reaches a
// terminal status and the ciphertext is erased.
type Delivery struct {
	ID         id.NotificationID
	TenantID   id.TenantID
	Channel    Channel
	TemplateID string
	Recipient  string
	SealedVars []byte
	Status     Status
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is a rendered notification ready for a channel.
type Message struct {
	ID        id.NotificationID
	TenantID  id.TenantID
	Recipient string
	Subject   string
	Body      string
}
