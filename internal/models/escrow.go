package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Escrow statuses
const (
	EscrowStatusAwaitingPayment = "awaiting_payment"
	EscrowStatusAuthorized      = "authorized"
	EscrowStatusReleased        = "released"
	EscrowStatusCancelled       = "cancelled"
	EscrowStatusFailed          = "failed"
)

const PaymentProviderStripe = "stripe"

// MaxEscrowAmount is the largest amount the escrows.amount NUMERIC(18,2)
// column holds.
var MaxEscrowAmount = decimal.RequireFromString("9999999999999999.99")

// Valid state transitions: from -> []to
var ValidEscrowTransitions = map[string][]string{
	EscrowStatusAwaitingPayment: {EscrowStatusAuthorized, EscrowStatusCancelled, EscrowStatusFailed},
	EscrowStatusAuthorized:      {EscrowStatusReleased, EscrowStatusCancelled},
	EscrowStatusReleased:        {},
	EscrowStatusCancelled:       {},
	EscrowStatusFailed:          {},
}

// ActiveEscrowStatuses are the statuses that still hold (or may still hold) buyer funds.
var ActiveEscrowStatuses = []string{EscrowStatusAwaitingPayment, EscrowStatusAuthorized}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidEscrowTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	allowed, ok := ValidEscrowTransitions[status]
	return ok && len(allowed) == 0
}

func IsKnownStatus(status string) bool {
	_, ok := ValidEscrowTransitions[status]
	return ok
}

type Escrow struct {
	ID              string          `json:"id"`
	RFQID           string          `json:"rfqId"`
	LotID           *string         `json:"lotId,omitempty"`
	BuyerID         string          `json:"buyerId"`
	CooperativeID   string          `json:"cooperativeId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	PaymentProvider string          `json:"paymentProvider"`
	PaymentIntentID *string         `json:"paymentIntentId,omitempty"`
	ClientReference *string         `json:"clientReference,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	LastSyncedAt    *time.Time      `json:"lastSyncedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IntentID returns the payment intent id or "" when not yet known.
func (e *Escrow) IntentID() string {
	if e.PaymentIntentID == nil {
		return ""
	}
	return *e.PaymentIntentID
}

func (e *Escrow) SessionID() string {
	if e.ClientReference == nil {
		return ""
	}
	return *e.ClientReference
}

// HasGatewayReference reports whether sync has an intent or checkout
// session to ask the gateway about.
func (e *Escrow) HasGatewayReference() bool {
	return e.IntentID() != "" || e.SessionID() != ""
}

// SweepTime is the instant the reconcile sweep orders escrows by: the last
// sweep that examined it, or the last write when no sweep has.
func (e *Escrow) SweepTime() time.Time {
	if e.LastSyncedAt != nil && e.LastSyncedAt.After(e.UpdatedAt) {
		return *e.LastSyncedAt
	}
	return e.UpdatedAt
}

// IsParty reports whether userID is the buyer or the cooperative of the escrow.
func (e *Escrow) IsParty(userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.CooperativeID)
}

// EscrowUpdate is a partial update. Nil fields are left untouched.
// When ExpectedStatuses is non-empty the update only applies if the stored
// status is one of them.
type EscrowUpdate struct {
	Status           *string
	PaymentIntentID  *string
	ClientReference  *string
	ReleasedAt       *time.Time
	ExpectedStatuses []string
}

// Apply copies the update onto e. PaymentIntentID is only assigned when e has none.
func (u EscrowUpdate) Apply(e *Escrow, now time.Time) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.PaymentIntentID != nil && e.PaymentIntentID == nil {
		v := *u.PaymentIntentID
		e.PaymentIntentID = &v
	}
	if u.ClientReference != nil && e.ClientReference == nil {
		v := *u.ClientReference
		e.ClientReference = &v
	}
	if u.ReleasedAt != nil {
		v := *u.ReleasedAt
		e.ReleasedAt = &v
	}
	e.UpdatedAt = now
}

func (u EscrowUpdate) Allows(status string) bool {
	if len(u.ExpectedStatuses) == 0 {
		return true
	}
	for _, s := range u.ExpectedStatuses {
		if s == status {
			return true
		}
	}
	return false
}
