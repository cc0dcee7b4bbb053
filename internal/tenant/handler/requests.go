package handler

import (
	"strings"

	"securebase/pkg/validation"
)

type TransitionRequest struct {
	Status string `json:"status" validate:"required,oneof=pending active suspended terminated"`
	Reason string `json:"reason" validate:"max=256"`
}

func (r *TransitionRequest) Normalize() {
	r.Status = strings.ToLower(strings.TrimSpace(r.Status))
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *TransitionRequest) Validate() error {
	return validation.Validate(r)
}
