package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	tenantmodels "securebase/internal/tenant/models"
	dErrors "securebase/pkg/domain-errors"
)

func TestArtifactsAreStablePerEvent(t *testing.T) {
	a := ArtifactsFor("evt_abc")
	b := ArtifactsFor("evt_abc")
	c := ArtifactsFor("evt_abd")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a.TenantID, c.TenantID)
	assert.NotEqual(t, a.WelcomeID, a.AdminSetupID)
}

func TestClaimable(t *testing.T) {
	now := time.Now()
	past, future := now.Add(-time.Second), now.Add(time.Minute)

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"unleased queued", Entry{Status: OutcomeQueued}, true},
		{"live lease", Entry{Status: OutcomeQueued, LeaseUntil: &future}, false},
		{"expired lease", Entry{Status: OutcomeQueued, LeaseUntil: &past}, true},
		{"failed", Entry{Status: OutcomeFailed, LeaseUntil: &future}, true},
		{"completed", Entry{Status: OutcomeCompleted}, false},
		{"rejected", Entry{Status: OutcomeRejected}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Claimable(now))
		})
	}
}

func TestRequestValidate(t *testing.T) {
	ok := Request{EventID: "evt_abc", Contact: "owner@example.com", Tier: tenantmodels.TierHealthcare}
	assert.NoError(t, ok.Validate())

	missing := ok
	missing.EventID = ""
	assert.True(t, dErrors.HasCode(missing.Validate(), dErrors.CodeValidation))

	badTier := ok
	badTier.Tier = "gold"
	assert.True(t, dErrors.HasCode(badTier.Validate(), dErrors.CodeValidation))
}
