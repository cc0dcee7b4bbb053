// Package store persists evidence records. Every backend is insert-only: a
// record whose natural key already exists is left untouched.
package store

import (
	"errors"

	"securebase/internal/evidence/models"
)

// BatchSize is the largest number of records sent in one write request.
const BatchSize = 25

var errForeignTenant = errors.New("record belongs to another tenant scope")

// chunks splits records into BatchSize groups.
func chunks(records []models.Record) [][]models.Record {
	var out [][]models.Record
	for start := 0; start < len(records); start += BatchSize {
		out = append(out, records[start:min(start+BatchSize, len(records))])
	}
	return out
}

func normalizePage(q models.Query, total int) *models.Page {
	return &models.Page{Total: total, Limit: q.Limit, Offset: q.Offset, Records: []models.Record{}}
}
