package payments

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidConfig    = errors.New("payment gateway is not configured")
	ErrInvalidAmount    = errors.New("amount cannot be represented in minor units")
	ErrAmountOutOfRange = errors.New("amount exceeds the largest chargeable value")
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// Payment intent statuses as reported by the gateway.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresConfirmation  = "requires_confirmation"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusProcessing            = "processing"
	IntentStatusRequiresCapture       = "requires_capture"
	IntentStatusCanceled              = "canceled"
	IntentStatusSucceeded             = "succeeded"
)

// Checkout session statuses.
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"
)

// Webhook event types for the payment intent namespace.
const (
	EventNamespacePaymentIntent        = "payment_intent."
	EventIntentAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	EventIntentCanceled                = "payment_intent.canceled"
	EventIntentPaymentFailed           = "payment_intent.payment_failed"
	EventIntentSucceeded               = "payment_intent.succeeded"
)

// HoldRequest asks the gateway to authorize Amount without capturing it.
type HoldRequest struct {
	EscrowID string
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string

	// Checkout mode only.
	Description string
	SuccessURL  string
	CancelURL   string
}

type Hold struct {
	IntentID        string
	ClientReference string
	ClientSecret    string
	CheckoutURL     string
}

type Intent struct {
	ID               string
	Status           string
	Amount           int64
	AmountCapturable int64
	Currency         string
	LastPaymentError string
	Metadata         map[string]string
}

type Session struct {
	ID            string
	IntentID      string
	URL           string
	Status        string
	PaymentStatus string
}

// WebhookEvent is a signature-verified gateway notification. Intent is set
// for events of the payment intent namespace.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	Intent  *Intent
}

// EscrowID returns the escrow the event refers to, if any.
func (e *WebhookEvent) EscrowID() string {
	if e.Intent == nil {
		return ""
	}
	return strings.TrimSpace(e.Intent.Metadata["escrow_id"])
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stripe %d: %s", e.StatusCode, e.Message)
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// ToMinorUnits converts a major-unit amount to the gateway's integer minor units.
// Amounts with more precision than the currency supports are rejected.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp := int32(2)
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		exp = 0
	}
	minor := amount.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) || !minor.IsPositive() {
		return 0, ErrInvalidAmount
	}
	if minor.GreaterThan(maxMinorUnits) {
		return 0, ErrAmountOutOfRange
	}
	return minor.IntPart(), nil
}
