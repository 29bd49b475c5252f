package testutil

import (
	"encoding/json"
	"time"

	"github.com/coop-market/backend/internal/payments"
)

// IntentEvent builds a payment intent webhook body for escrowID.
func IntentEvent(eventID, eventType, intentID, intentStatus, escrowID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"object":   "payment_intent",
				"status":   intentStatus,
				"metadata": map[string]string{"escrow_id": escrowID},
			},
		},
	})
	return body
}

// Sign returns the signature header the fake gateway accepts for payload.
func (g *FakeGateway) Sign(payload []byte) string {
	return payments.SignPayload(g.WebhookSecret, payload, time.Now())
}
