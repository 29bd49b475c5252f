package dto

import "github.com/shopspring/decimal"

type InitEscrowRequest struct {
	RFQID         string          `json:"rfqId" validate:"required,ident"`
	LotID         *string         `json:"lotId,omitempty" validate:"omitempty,ident"`
	BuyerID       string          `json:"buyerId" validate:"required,ident"`
	CooperativeID string          `json:"cooperativeId" validate:"required,ident"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

type ReleaseEscrowRequest struct {
	InspectorID *string `json:"inspectorId,omitempty" validate:"omitempty,ident"`
	Notes       *string `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// GetEscrowQuery are the query parameters of GET /escrow/:id.
type GetEscrowQuery struct {
	Sync   bool   `query:"sync"`
	Result string `query:"result" validate:"omitempty,oneof=success cancel"`
}
