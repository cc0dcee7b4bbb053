package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "securebase/pkg/domain-errors"
)

type signup struct {
	EventID string `json:"event_id" validate:"notblank"`
	Contact string `json:"contact" validate:"required,email"`
	Tier    string `json:"tier" validate:"oneof=healthcare standard"`
	Note    string `json:"note" validate:"max=4"`
}

func TestValidate(t *testing.T) {
	valid := signup{EventID: "evt_1", Contact: "a@example.com", Tier: "standard"}
	require.NoError(t, Validate(valid))

	tests := []struct {
		name   string
		mutate func(*signup)
		want   string
	}{
		{"blank id", func(s *signup) { s.EventID = "  " }, "event_id is required"},
		{"bad email", func(s *signup) { s.Contact = "nope" }, "contact must be a valid email"},
		{"unknown tier", func(s *signup) { s.Tier = "gold" }, "tier must be one of healthcare, standard"},
		{"long note", func(s *signup) { s.Note = "too long" }, "note must be 4 characters or less"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := Validate(req)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			var de *dErrors.Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.want, de.Message)
		})
	}
}
