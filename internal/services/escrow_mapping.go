package services

import (
	"github.com/coop-market/backend/internal/models"
	"github.com/coop-market/backend/internal/payments"
)

// statusFromIntent maps a polled payment intent onto the local status it
// implies. ok is false when the intent does not call for a change.
//
// A fresh intent reports requires_payment_method too, so that status only
// means failure once the gateway recorded a failed attempt.
func statusFromIntent(intent *payments.Intent) (string, bool) {
	if intent == nil {
		return "", false
	}
	switch intent.Status {
	case payments.IntentStatusRequiresCapture:
		return models.EscrowStatusAuthorized, true
	case payments.IntentStatusCanceled:
		return models.EscrowStatusCancelled, true
	case payments.IntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != "" {
			return models.EscrowStatusFailed, true
		}
	}
	return "", false
}

// statusFromSession covers checkout sessions that never produced an intent.
func statusFromSession(session *payments.Session) (string, bool) {
	if session == nil || session.IntentID != "" {
		return "", false
	}
	if session.Status == payments.SessionStatusExpired {
		return models.EscrowStatusCancelled, true
	}
	return "", false
}

// statusFromWebhook maps a payment intent webhook type onto a local status.
// payment_intent.succeeded is deliberately unmapped: released is only ever set
// by a local capture.
func statusFromWebhook(eventType string) (string, bool) {
	switch eventType {
	case payments.EventIntentAmountCapturableUpdated:
		return models.EscrowStatusAuthorized, true
	case payments.EventIntentCanceled:
		return models.EscrowStatusCancelled, true
	case payments.EventIntentPaymentFailed:
		return models.EscrowStatusFailed, true
	}
	return "", false
}
