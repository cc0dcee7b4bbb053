// Package classifier turns scanner outcomes into evidence records.
package classifier

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"securebase/internal/evidence/models"
	"securebase/internal/scanner"
	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
)

// Version is written on every record. Bump it whenever a rule changes.
const Version = 2

// ProofNoEncryption is the canonical proof for a bucket without an
// encryption configuration.
const ProofNoEncryption = "no encryption configuration"

// Classifier is pure: the same outcome always yields the same record.
type Classifier struct {
	ceiling int
}

// New returns a classifier that cuts proofs longer than ceiling bytes
// on a rune boundary.
func New(ceiling int) *Classifier {
	return &Classifier{ceiling: ceiling}
}

func (c *Classifier) Classify(tenantID id.TenantID, o scanner.Outcome) models.Record {
	r := models.Record{
		TenantID:          tenantID,
		CapturedAt:        o.CapturedAt.UTC(),
		Control:           o.Control,
		Resource:          o.Resource,
		ClassifierVersion: Version,
	}

	switch {
	case o.Err != nil:
		r.Status = models.StatusError
		r.RawProof = reason(o.Err)
	case o.Control != scanner.ControlEncryptionAtRest:
		r.Status = models.StatusError
		r.RawProof = fmt.Sprintf("%s: no rule for control %q", dErrors.CodeValidation, o.Control)
	case o.Absent || len(o.Config) == 0:
		r.Status = models.StatusNonCompliant
		r.RawProof = ProofNoEncryption
	default:
		r.Status = models.StatusCompliant
		r.RawProof = string(o.Config)
	}

	if c.ceiling > 0 && len(r.RawProof) > c.ceiling {
		r.RawProof = cut(r.RawProof, c.ceiling)
		r.Truncated = true
	}
	return r
}

// cut shortens s to at most n bytes, backing off to a rune boundary so the
// stored proof stays valid UTF-8.
func cut(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// reason renders an error as "<kind>: <message>". Only the domain message is
// used so provider text never reaches a record.
func reason(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return fmt.Sprintf("%s: %s", de.Code, de.Error())
	}
	return string(dErrors.CodeInternal) + ": probe failed"
}
