package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const SignatureHeader = "Stripe-Signature"

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks the t=…,v1=… signature header against the webhook
// secret and decodes the event.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	secret := strings.TrimSpace(g.cfg.WebhookSecret)
	if secret == "" {
		return nil, ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if g.cfg.WebhookTolerance > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return nil, ErrInvalidSignature
		}
		age := g.now().Sub(time.Unix(ts, 0))
		if age > g.cfg.WebhookTolerance || age < -g.cfg.WebhookTolerance {
			return nil, ErrInvalidSignature
		}
	}

	expected := computeSignature(secret, timestamp, payload)
	matched := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrInvalidSignature
	}

	return ParseWebhookEvent(payload)
}

// ParseWebhookEvent decodes an already verified payload.
func ParseWebhookEvent(payload []byte) (*WebhookEvent, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, ErrInvalidPayload
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return nil, ErrInvalidPayload
	}

	ev := &WebhookEvent{
		ID:      raw.ID,
		Type:    strings.TrimSpace(raw.Type),
		Created: time.Unix(raw.Created, 0).UTC(),
	}
	if strings.HasPrefix(ev.Type, EventNamespacePaymentIntent) {
		var intent stripeIntent
		if err := json.Unmarshal(raw.Data.Object, &intent); err != nil {
			return nil, ErrInvalidPayload
		}
		ev.Intent = intent.toIntent()
	}
	return ev, nil
}

// SignPayload builds a signature header for payload, as the gateway does.
func SignPayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, computeSignature(secret, ts, payload))
}

func computeSignature(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		value := strings.TrimSpace(kv[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid signature header")
	}
	return timestamp, signatures, nil
}
