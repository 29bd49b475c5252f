package models

import (
	"testing"
	"time"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{EscrowStatusAwaitingPayment, EscrowStatusAuthorized, true},
		{EscrowStatusAuthorized, EscrowStatusReleased, true},

		// Cancellation and failure paths
		{EscrowStatusAwaitingPayment, EscrowStatusCancelled, true},
		{EscrowStatusAwaitingPayment, EscrowStatusFailed, true},
		{EscrowStatusAuthorized, EscrowStatusCancelled, true},

		// Backward and terminal transitions
		{EscrowStatusAuthorized, EscrowStatusAwaitingPayment, false},
		{EscrowStatusAuthorized, EscrowStatusFailed, false},
		{EscrowStatusAwaitingPayment, EscrowStatusReleased, false},
		{EscrowStatusReleased, EscrowStatusAuthorized, false},
		{EscrowStatusReleased, EscrowStatusCancelled, false},
		{EscrowStatusCancelled, EscrowStatusAwaitingPayment, false},
		{EscrowStatusCancelled, EscrowStatusAuthorized, false},
		{EscrowStatusFailed, EscrowStatusAuthorized, false},
		{EscrowStatusAuthorized, EscrowStatusAuthorized, false},
		{"nonexistent", EscrowStatusAuthorized, false},
		{EscrowStatusAwaitingPayment, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{EscrowStatusReleased, EscrowStatusCancelled, EscrowStatusFailed}
	for _, status := range terminal {
		if !IsTerminal(status) {
			t.Errorf("status %q should be terminal", status)
		}
	}
	for _, status := range ActiveEscrowStatuses {
		if IsTerminal(status) {
			t.Errorf("status %q should not be terminal", status)
		}
	}
}

func TestEscrowUpdateApply(t *testing.T) {
	first := "pi_first"
	second := "pi_second"
	status := EscrowStatusAuthorized
	now := time.Now()

	e := &Escrow{Status: EscrowStatusAwaitingPayment}
	EscrowUpdate{Status: &status, PaymentIntentID: &first}.Apply(e, now)
	if e.Status != EscrowStatusAuthorized || e.IntentID() != first {
		t.Fatalf("unexpected escrow after first update: status=%s intent=%s", e.Status, e.IntentID())
	}

	// payment intent id is assigned at most once
	EscrowUpdate{PaymentIntentID: &second}.Apply(e, now)
	if e.IntentID() != first {
		t.Errorf("payment intent id overwritten: got %s, want %s", e.IntentID(), first)
	}
	if !e.UpdatedAt.Equal(now) {
		t.Errorf("updated_at not bumped")
	}
}

func TestEscrowUpdateAllows(t *testing.T) {
	u := EscrowUpdate{}
	if !u.Allows(EscrowStatusReleased) {
		t.Error("unguarded update should allow any status")
	}
	u.ExpectedStatuses = []string{EscrowStatusAuthorized}
	if u.Allows(EscrowStatusAwaitingPayment) {
		t.Error("guarded update allowed unexpected status")
	}
	if !u.Allows(EscrowStatusAuthorized) {
		t.Error("guarded update rejected expected status")
	}
}

func TestRFQBelongsTo(t *testing.T) {
	coop := "c1"
	open := &RFQ{ID: "r1", BuyerID: "b1"}
	awarded := &RFQ{ID: "r2", BuyerID: "b1", CooperativeID: &coop}

	if !open.BelongsTo("b1", "c9") {
		t.Error("open rfq should accept any cooperative")
	}
	if open.BelongsTo("b2", "c1") {
		t.Error("rfq must not belong to another buyer")
	}
	if awarded.BelongsTo("b1", "c2") {
		t.Error("awarded rfq must match cooperative")
	}
	if !awarded.BelongsTo("b1", "c1") {
		t.Error("awarded rfq should match its cooperative")
	}
}

func TestSweepTime(t *testing.T) {
	updated := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	e := &Escrow{UpdatedAt: updated}
	if got := e.SweepTime(); !got.Equal(updated) {
		t.Errorf("never swept: got %v, want %v", got, updated)
	}

	synced := updated.Add(time.Hour)
	e.LastSyncedAt = &synced
	if got := e.SweepTime(); !got.Equal(synced) {
		t.Errorf("swept after write: got %v, want %v", got, synced)
	}

	e.UpdatedAt = synced.Add(time.Minute)
	if got := e.SweepTime(); !got.Equal(e.UpdatedAt) {
		t.Errorf("written after sweep: got %v, want %v", got, e.UpdatedAt)
	}
}

func TestHasGatewayReference(t *testing.T) {
	intent, session := "pi_1", "cs_1"
	if (&Escrow{}).HasGatewayReference() {
		t.Error("escrow without ids has no reference")
	}
	if !(&Escrow{PaymentIntentID: &intent}).HasGatewayReference() {
		t.Error("intent id is a reference")
	}
	if !(&Escrow{ClientReference: &session}).HasGatewayReference() {
		t.Error("checkout session is a reference")
	}
}
