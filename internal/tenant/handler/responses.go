package handler

import (
	"time"

	"securebase/internal/tenant/models"
)

type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contact   string    `json:"contact"`
	Tier      string    `json:"tier"`
	Framework string    `json:"framework,omitempty"`
	Status    string    `json:"status"`
	AccountID string    `json:"delegation_account_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toTenantResponse(t *models.Tenant) *TenantResponse {
	return &TenantResponse{
		ID:        t.ID.String(),
		Name:      t.Name,
		Contact:   t.Contact,
		Tier:      string(t.Tier),
		Framework: t.Framework,
		Status:    string(t.Status),
		AccountID: t.Delegation.AccountID,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
