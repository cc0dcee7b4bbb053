// Package models defines immutable evidence records and the queries that
// read them back.
package models

import (
	"time"

	id "securebase/pkg/domain"
)

type Status string

const (
	StatusCompliant    Status = "compliant"
	StatusNonCompliant Status = "non_compliant"
	StatusError        Status = "error"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusCompliant, StatusNonCompliant, StatusError:
		return true
	}
	return false
}

// FlaggedTruncationVersion is the first classifier version that sets
// Truncated. Older records were cut silently.
const FlaggedTruncationVersion = 2

// Record is one control verdict for one resource at one instant. Tenant,
// CapturedAt, Control and Resource form the natural key.
type Record struct {
	TenantID          id.TenantID `json:"tenant"`
	CapturedAt        time.Time   `json:"captured_at"`
	Control           string      `json:"control"`
	Resource          string      `json:"resource"`
	Status            Status      `json:"status"`
	RawProof          string      `json:"raw_proof"`
	ClassifierVersion int         `json:"classifier_version"`
	Truncated         bool        `json:"truncated"`
}

// Key renders the natural key. CapturedAt keeps nanosecond precision so two
// captures of the same resource never share a key.
func (r Record) Key() string {
	return r.TenantID.String() + "#" + r.CapturedAt.UTC().Format(time.RFC3339Nano) + "#" + r.Control + "#" + r.Resource
}

// Reflag marks proofs written before truncation was flagged. A legacy proof
// longer than the ceiling is flagged; one that fits, exactly or not, is left
// as stored.
func (r Record) Reflag(ceiling int) Record {
	if !r.Truncated && ceiling > 0 && r.ClassifierVersion < FlaggedTruncationVersion && len(r.RawProof) > ceiling {
		r.Truncated = true
	}
	return r
}

// Paging bounds for evidence reads.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Query selects a tenant's records, newest first.
type Query struct {
	TenantID id.TenantID
	Control  string
	Limit    int
	Offset   int
}

type Page struct {
	Records []Record
	Total   int
	Limit   int
	Offset  int
}

// Summary counts the verdicts of one audit run.
type Summary struct {
	Resources    int `json:"resources"`
	Compliant    int `json:"compliant"`
	NonCompliant int `json:"non_compliant"`
	Errors       int `json:"errors"`
	Truncated    int `json:"truncated"`
}

func (s *Summary) Add(r Record) {
	s.Resources++
	switch r.Status {
	case StatusCompliant:
		s.Compliant++
	case StatusNonCompliant:
		s.NonCompliant++
	case StatusError:
		s.Errors++
	}
	if r.Truncated {
		s.Truncated++
	}
}
