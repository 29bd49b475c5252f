package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, mode string, handler http.HandlerFunc) *StripeGateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeGateway(StripeConfig{
		SecretKey:     "sk_test",
		WebhookSecret: "whsec_test",
		APIBase:       srv.URL,
		Mode:          mode,
	}, zap.NewNop())
}

func TestCreateHold_PaymentIntentManualCapture(t *testing.T) {
	gw := newTestGateway(t, ModePaymentIntent, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.Equal(t, "escrow:e1:hold", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "10050", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "manual", r.PostForm.Get("capture_method"))
		assert.Equal(t, "e1", r.PostForm.Get("metadata[escrow_id]"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_1",
			"status":        "requires_payment_method",
			"client_secret": "pi_1_secret",
		})
	})

	hold, err := gw.CreateHold(context.Background(), HoldRequest{
		EscrowID: "e1",
		Amount:   decimal.RequireFromString("100.50"),
		Currency: "USD",
		Metadata: map[string]string{"escrow_id": "e1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", hold.IntentID)
	assert.Equal(t, "pi_1_secret", hold.ClientSecret)
	assert.Empty(t, hold.ClientReference)
}

func TestCreateHold_Checkout(t *testing.T) {
	gw := newTestGateway(t, ModeCheckout, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "manual", r.PostForm.Get("payment_intent_data[capture_method]"))
		assert.Equal(t, "e1", r.PostForm.Get("payment_intent_data[metadata][escrow_id]"))
		assert.Equal(t, "2500", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "https://site/escrow/e1?result=success", r.PostForm.Get("success_url"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             "cs_1",
			"url":            "https://checkout.stripe.com/c/cs_1",
			"status":         "open",
			"payment_intent": nil,
		})
	})

	hold, err := gw.CreateHold(context.Background(), HoldRequest{
		EscrowID:   "e1",
		Amount:     decimal.NewFromInt(25),
		Currency:   "usd",
		Metadata:   map[string]string{"escrow_id": "e1"},
		SuccessURL: "https://site/escrow/e1?result=success",
		CancelURL:  "https://site/escrow/e1?result=cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", hold.ClientReference)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", hold.CheckoutURL)
	assert.Empty(t, hold.IntentID)
}

func TestRetrieveIntent_LastPaymentError(t *testing.T) {
	gw := newTestGateway(t, ModePaymentIntent, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pi_1",
			"status": "requires_payment_method",
			"last_payment_error": map[string]any{
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		})
	})

	intent, err := gw.RetrieveIntent(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, IntentStatusRequiresPaymentMethod, intent.Status)
	assert.Equal(t, "Your card was declined.", intent.LastPaymentError)
}

func TestRetrieveSession(t *testing.T) {
	gw := newTestGateway(t, ModeCheckout, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":             "cs_1",
			"status":         "complete",
			"payment_status": "unpaid",
			"payment_intent": "pi_9",
		})
	})

	session, err := gw.RetrieveSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_9", session.IntentID)
	assert.Equal(t, SessionStatusComplete, session.Status)
}

func TestCapture_APIError(t *testing.T) {
	gw := newTestGateway(t, ModePaymentIntent, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_1/capture", r.URL.Path)
		require.Equal(t, "capture:pi_1", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "payment_intent_unexpected_state",
				"message": "This PaymentIntent could not be captured.",
			},
		})
	})

	_, err := gw.Capture(context.Background(), "pi_1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "payment_intent_unexpected_state", apiErr.Code)
}

func TestGatewayRequiresSecretKey(t *testing.T) {
	gw := NewStripeGateway(StripeConfig{}, zap.NewNop())
	_, err := gw.RetrieveIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestToMinorUnits_Overflow(t *testing.T) {
	for _, amount := range []string{"100000000000000000000", "92233720368547758.08"} {
		got, err := ToMinorUnits(decimal.RequireFromString(amount), "usd")
		assert.ErrorIs(t, err, ErrAmountOutOfRange, amount)
		assert.Zero(t, got, amount)
	}
	_, err := ToMinorUnits(decimal.RequireFromString("9223372036854775808"), "jpy")
	assert.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{"100", "usd", 10000, false},
		{"100.5", "usd", 10050, false},
		{"0.01", "eur", 1, false},
		{"1500", "jpy", 1500, false},
		{"1.001", "usd", 0, true},
		{"10.5", "jpy", 0, true},
		{"0", "usd", 0, true},
		{"-5", "usd", 0, true},
		{"92233720368547758.07", "usd", 9223372036854775807, false},
	}
	for _, tt := range tests {
		t.Run(tt.amount+tt.currency, func(t *testing.T) {
			got, err := ToMinorUnits(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
