// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "securebase/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing PrincipalID where TenantID is expected.
type (
	TenantID       uuid.UUID
	PrincipalID    uuid.UUID
	CredentialID   uuid.UUID
	NotificationID uuid.UUID
	MessageID      uuid.UUID
	EntryID        uuid.UUID
	RunID          uuid.UUID
)

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseTenantID(s string) (TenantID, error) {
	id, err := parseUUID(s, "tenant ID")
	return TenantID(id), err
}

func ParsePrincipalID(s string) (PrincipalID, error) {
	id, err := parseUUID(s, "principal ID")
	return PrincipalID(id), err
}

func ParseNotificationID(s string) (NotificationID, error) {
	id, err := parseUUID(s, "notification ID")
	return NotificationID(id), err
}

// String methods - for logging and persistence.

func (id TenantID) String() string       { return uuid.UUID(id).String() }
func (id PrincipalID) String() string    { return uuid.UUID(id).String() }
func (id CredentialID) String() string   { return uuid.UUID(id).String() }
func (id NotificationID) String() string { return uuid.UUID(id).String() }
func (id MessageID) String() string      { return uuid.UUID(id).String() }
func (id EntryID) String() string        { return uuid.UUID(id).String() }
func (id RunID) String() string          { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id TenantID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id PrincipalID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id CredentialID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id NotificationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id EntryID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }

// MarshalText lets typed ids appear as plain strings in JSON bodies.
func (id TenantID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id PrincipalID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id CredentialID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id NotificationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id MessageID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (id EntryID) MarshalText() ([]byte, error)        { return []byte(id.String()), nil }
func (id RunID) MarshalText() ([]byte, error)          { return []byte(id.String()), nil }

func (id *TenantID) UnmarshalText(b []byte) error {
	parsed, err := ParseTenantID(string(b))
	*id = parsed
	return err
}

func (id *PrincipalID) UnmarshalText(b []byte) error {
	parsed, err := ParsePrincipalID(string(b))
	*id = parsed
	return err
}

// Namespace scopes every identifier derived from an external key.
var Namespace = uuid.MustParse("6f1c3a52-8f0e-4b7e-9d55-2b9c0c7f4a11")

// Derive returns a stable UUIDv5 for (key, purpose). Repeating a step with the
// same payment event id therefore yields the same artifact ids.
func Derive(key, purpose string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(purpose+":"+key))
}

// parseUUID is the shared validation logic.
// Nil UUIDs are allowed here; IsNil() is checked at the service layer.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+label+" format")
	}
	return id, nil
}
