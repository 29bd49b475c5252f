package models

import "time"

// Escrow event types
const (
	EventTypeCreated                = "created"
	EventTypeCheckoutSessionCreated = "checkout_session_created"
	EventTypeHoldReferenceFailed    = "hold_reference_failed"
	EventTypeFailedInit             = "failed_init"
	EventTypeSync                   = "sync"
	EventTypeBuyerCancelled         = "buyer_cancelled"
	EventTypeReleased               = "escrow_released"
	EventTypeReleaseFailed          = "escrow_release_failed"
	EventTypeReleasedDBUpdateFailed = "escrow_released_db_update_failed"
	EventTypeWebhookPrefix          = "webhook:"
)

// EscrowEvent is one row of the append-only escrow audit trail.
// A nil ActorID means the system or the payment gateway acted.
type EscrowEvent struct {
	ID        string         `json:"id"`
	EscrowID  string         `json:"escrowId"`
	ActorID   *string        `json:"actorId,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
