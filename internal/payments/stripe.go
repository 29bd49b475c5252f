package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	ModePaymentIntent = "payment_intent"
	ModeCheckout      = "checkout"
)

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	APIBase          string
	Mode             string
	Timeout          time.Duration
	WebhookTolerance time.Duration
}

// StripeGateway talks to the Stripe REST API. Holds are created with
// capture_method=manual so funds stay authorized until Capture.
type StripeGateway struct {
	cfg        StripeConfig
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	log        *zap.Logger
}

func NewStripeGateway(cfg StripeConfig, log *zap.Logger) *StripeGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = "https://api.stripe.com"
	}
	if cfg.Mode != ModeCheckout {
		cfg.Mode = ModePaymentIntent
	}
	return &StripeGateway{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		log:        log,
	}
}

type stripeIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	AmountCapturable int64             `json:"amount_capturable"`
	Currency         string            `json:"currency"`
	ClientSecret     string            `json:"client_secret"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (s stripeIntent) toIntent() *Intent {
	in := &Intent{
		ID:               s.ID,
		Status:           s.Status,
		Amount:           s.Amount,
		AmountCapturable: s.AmountCapturable,
		Currency:         s.Currency,
		Metadata:         s.Metadata,
	}
	if s.LastPaymentError != nil {
		in.LastPaymentError = strings.TrimSpace(s.LastPaymentError.Message)
		if in.LastPaymentError == "" {
			in.LastPaymentError = s.LastPaymentError.Code
		}
		if in.LastPaymentError == "" {
			in.LastPaymentError = "payment_failed"
		}
	}
	return in
}

type stripeSession struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	Status        string  `json:"status"`
	PaymentStatus string  `json:"payment_status"`
	PaymentIntent *string `json:"payment_intent"`
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *StripeGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	minor, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}
	if g.cfg.Mode == ModeCheckout {
		return g.createCheckoutHold(ctx, req, minor)
	}

	values := url.Values{}
	values.Set("amount", strconv.FormatInt(minor, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("capture_method", "manual")
	values.Set("payment_method_types[]", "card")
	setMetadata(values, "metadata", req.Metadata)

	var intent stripeIntent
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents", values, "escrow:"+req.EscrowID+":hold", &intent); err != nil {
		return nil, err
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("stripe response missing payment intent id")
	}
	return &Hold{IntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (g *StripeGateway) createCheckoutHold(ctx context.Context, req HoldRequest, minor int64) (*Hold, error) {
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, ErrInvalidConfig
	}
	description := req.Description
	if description == "" {
		description = "Escrow " + req.EscrowID
	}

	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("success_url", req.SuccessURL)
	values.Set("cancel_url", req.CancelURL)
	values.Set("client_reference_id", req.EscrowID)
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(minor, 10))
	values.Set("line_items[0][price_data][product_data][name]", description)
	values.Set("payment_intent_data[capture_method]", "manual")
	setMetadata(values, "payment_intent_data[metadata]", req.Metadata)
	setMetadata(values, "metadata", req.Metadata)

	var session stripeSession
	if err := g.do(ctx, http.MethodPost, "/v1/checkout/sessions", values, "escrow:"+req.EscrowID+":checkout", &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, fmt.Errorf("stripe response missing checkout session id")
	}
	hold := &Hold{ClientReference: session.ID, CheckoutURL: session.URL}
	if session.PaymentIntent != nil {
		hold.IntentID = *session.PaymentIntent
	}
	return hold, nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	var intent stripeIntent
	if err := g.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &intent); err != nil {
		return nil, err
	}
	return intent.toIntent(), nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	var session stripeSession
	if err := g.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, "", &session); err != nil {
		return nil, err
	}
	out := &Session{
		ID:            session.ID,
		URL:           session.URL,
		Status:        session.Status,
		PaymentStatus: session.PaymentStatus,
	}
	if session.PaymentIntent != nil {
		out.IntentID = *session.PaymentIntent
	}
	return out, nil
}

func (g *StripeGateway) Capture(ctx context.Context, intentID string) (*Intent, error) {
	var intent stripeIntent
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/capture"
	if err := g.do(ctx, http.MethodPost, path, url.Values{}, "capture:"+intentID, &intent); err != nil {
		return nil, err
	}
	return intent.toIntent(), nil
}

func (g *StripeGateway) do(ctx context.Context, method, path string, values url.Values, idempotencyKey string, out any) error {
	if strings.TrimSpace(g.cfg.SecretKey) == "" {
		return ErrInvalidConfig
	}

	var body io.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := g.now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe unavailable: %w", err)
	}
	defer resp.Body.Close()

	g.log.Debug("stripe request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", g.now().Sub(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: "stripe_request_failed"}
		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err == nil {
			apiErr.Type = stripeErr.Error.Type
			apiErr.Code = stripeErr.Error.Code
			if msg := strings.TrimSpace(stripeErr.Error.Message); msg != "" {
				apiErr.Message = msg
			}
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode stripe response: %w", err)
	}
	return nil
}

func setMetadata(values url.Values, prefix string, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values.Set(fmt.Sprintf("%s[%s]", prefix, k), metadata[k])
	}
}
