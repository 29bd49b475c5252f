package dto

import "github.com/coop-market/backend/internal/models"

type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	LocalStatus   string `json:"localStatus,omitempty"`
	GatewayStatus string `json:"gatewayStatus,omitempty"`
}

type InitEscrowResponse struct {
	EscrowID        string  `json:"escrowId"`
	PaymentIntentID *string `json:"paymentIntentId"`
	ClientSecret    string  `json:"clientSecret,omitempty"`
	CheckoutURL     string  `json:"checkoutUrl,omitempty"`
	Status          string  `json:"status"`
}

type EscrowResponse struct {
	Escrow *models.Escrow `json:"escrow"`
}

type EscrowEventsResponse struct {
	Events []models.EscrowEvent `json:"events"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}
