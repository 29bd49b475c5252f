// Package testutil holds test doubles shared by service and handler tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/coop-market/backend/internal/payments"
)

// FakeGateway is an in-memory payment gateway. Intents are created in
// requires_payment_method; tests move them with SetIntentStatus.
type FakeGateway struct {
	mu sync.Mutex

	Checkout      bool
	HoldErr       error
	RetrieveErr   error
	CaptureErr    error
	WebhookSecret string
	// BlockRetrieve makes retrieve calls wait until their context ends.
	BlockRetrieve bool

	intents  map[string]*payments.Intent
	sessions map[string]*payments.Session
	seq      int

	HoldCalls     int
	RetrieveCalls int
	CaptureCalls  int
	LastHold      payments.HoldRequest
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		WebhookSecret: "whsec_test",
		intents:       make(map[string]*payments.Intent),
		sessions:      make(map[string]*payments.Session),
	}
}

func (g *FakeGateway) CreateHold(ctx context.Context, req payments.HoldRequest) (*payments.Hold, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.HoldCalls++
	g.LastHold = req
	if g.HoldErr != nil {
		return nil, g.HoldErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.seq++
	if g.Checkout {
		id := fmt.Sprintf("cs_test_%d", g.seq)
		g.sessions[id] = &payments.Session{ID: id, URL: "https://checkout.test/" + id, Status: payments.SessionStatusOpen}
		return &payments.Hold{ClientReference: id, CheckoutURL: "https://checkout.test/" + id}, nil
	}
	id := fmt.Sprintf("pi_test_%d", g.seq)
	g.intents[id] = &payments.Intent{
		ID:       id,
		Status:   payments.IntentStatusRequiresPaymentMethod,
		Currency: req.Currency,
		Metadata: req.Metadata,
	}
	return &payments.Hold{IntentID: id, ClientSecret: id + "_secret"}, nil
}

func (g *FakeGateway) RetrieveIntent(ctx context.Context, intentID string) (*payments.Intent, error) {
	if g.waitForCancel(ctx) {
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.RetrieveCalls++
	if g.RetrieveErr != nil {
		return nil, g.RetrieveErr
	}
	in, ok := g.intents[intentID]
	if !ok {
		return nil, &payments.APIError{StatusCode: 404, Code: "resource_missing", Message: "no such payment_intent"}
	}
	c := *in
	return &c, nil
}

func (g *FakeGateway) RetrieveSession(ctx context.Context, sessionID string) (*payments.Session, error) {
	if g.waitForCancel(ctx) {
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.RetrieveCalls++
	if g.RetrieveErr != nil {
		return nil, g.RetrieveErr
	}
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, &payments.APIError{StatusCode: 404, Code: "resource_missing", Message: "no such checkout session"}
	}
	c := *s
	return &c, nil
}

func (g *FakeGateway) Capture(ctx context.Context, intentID string) (*payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.CaptureCalls++
	if g.CaptureErr != nil {
		return nil, g.CaptureErr
	}
	in, ok := g.intents[intentID]
	if !ok || in.Status != payments.IntentStatusRequiresCapture {
		return nil, &payments.APIError{StatusCode: 400, Code: "payment_intent_unexpected_state", Message: "not capturable"}
	}
	in.Status = payments.IntentStatusSucceeded
	c := *in
	return &c, nil
}

func (g *FakeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*payments.WebhookEvent, error) {
	gw := payments.NewStripeGateway(payments.StripeConfig{WebhookSecret: g.WebhookSecret}, nil)
	return gw.VerifyWebhook(payload, signatureHeader)
}

func (g *FakeGateway) waitForCancel(ctx context.Context) bool {
	g.mu.Lock()
	block := g.BlockRetrieve
	g.mu.Unlock()
	if !block {
		return false
	}
	<-ctx.Done()
	return true
}

// SetIntentStatus simulates the buyer (or the gateway) moving an intent.
func (g *FakeGateway) SetIntentStatus(intentID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[intentID]; ok {
		in.Status = status
	}
}

// FailIntent records a declined payment attempt on the intent.
func (g *FakeGateway) FailIntent(intentID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[intentID]; ok {
		in.Status = payments.IntentStatusRequiresPaymentMethod
		in.LastPaymentError = reason
	}
}

// CompleteSession attaches a new capturable intent to a checkout session.
func (g *FakeGateway) CompleteSession(sessionID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return ""
	}
	g.seq++
	id := fmt.Sprintf("pi_test_%d", g.seq)
	g.intents[id] = &payments.Intent{ID: id, Status: payments.IntentStatusRequiresCapture}
	s.IntentID = id
	s.Status = payments.SessionStatusComplete
	return id
}

func (g *FakeGateway) ExpireSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[sessionID]; ok {
		s.Status = payments.SessionStatusExpired
	}
}

func (g *FakeGateway) Captures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CaptureCalls
}
