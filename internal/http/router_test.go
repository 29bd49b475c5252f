package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coop-market/backend/internal/auth"
	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/http/dto"
	"github.com/coop-market/backend/internal/http/handlers"
	"github.com/coop-market/backend/internal/locks"
	"github.com/coop-market/backend/internal/metrics"
	"github.com/coop-market/backend/internal/models"
	"github.com/coop-market/backend/internal/payments"
	"github.com/coop-market/backend/internal/rbac"
	"github.com/coop-market/backend/internal/repositories"
	"github.com/coop-market/backend/internal/services"
	"github.com/coop-market/backend/internal/testutil"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-jwt-secret"

type testServer struct {
	app   *fiber.App
	gw    *testutil.FakeGateway
	store *repositories.MemoryEscrowRepo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		HoldMode:           config.HoldModePaymentIntent,
		DefaultCurrency:    "usd",
		GatewayTimeout:     time.Second,
		ReleaseLockTTL:     10 * time.Second,
		SiteURL:            "https://market.test",
		JWTSecret:          testSecret,
		RateLimitPerMinute: 100,
	}
	log := zap.NewNop()
	coopID := "c1"
	store := repositories.NewMemoryEscrowRepo()
	rfqs := repositories.NewMemoryRFQRepo(models.RFQ{ID: "r1", BuyerID: "b1", CooperativeID: &coopID, Status: models.RFQStatusAwarded})
	gw := testutil.NewFakeGateway()
	m := metrics.New()

	svc := services.NewEscrowService(store, gw, rfqs, locks.NewMemoryLocker(), nil, m, cfg, log)

	app := fiber.New()
	SetupRouter(app, cfg, log, nil, handlers.NewEscrowHandler(svc, log), handlers.NewWebhookHandler(svc, log), m, nil)
	return &testServer{app: app, gw: gw, store: store}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (s *testServer) initEscrow(t *testing.T) dto.InitEscrowResponse {
	t.Helper()
	status, body := s.do(t, "POST", "/api/v1/escrow/init", token(t, "b1", rbac.RoleBuyer), map[string]any{
		"rfqId": "r1", "buyerId": "b1", "cooperativeId": "c1", "amount": 100, "currency": "usd",
	})
	require.Equal(t, fiber.StatusCreated, status, string(body))
	var res dto.InitEscrowResponse
	require.NoError(t, json.Unmarshal(body, &res))
	return res
}

type escrowBody struct {
	Escrow models.Escrow `json:"escrow"`
}

func decodeError(t *testing.T, body []byte) dto.ErrorResponse {
	t.Helper()
	var e dto.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	res := s.initEscrow(t)
	require.NotNil(t, res.PaymentIntentID)
	assert.Equal(t, models.EscrowStatusAwaitingPayment, res.Status)
	assert.NotEmpty(t, res.ClientSecret)

	buyerTok := token(t, "b1", rbac.RoleBuyer)
	adminTok := token(t, "admin-1", rbac.RoleAdmin)

	s.gw.SetIntentStatus(*res.PaymentIntentID, payments.IntentStatusRequiresCapture)

	status, body := s.do(t, "GET", "/api/v1/escrow/"+res.EscrowID+"?result=success", buyerTok, nil)
	require.Equal(t, fiber.StatusOK, status, string(body))
	var got escrowBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.EscrowStatusAuthorized, got.Escrow.Status)

	status, body = s.do(t, "POST", "/api/v1/escrow/"+res.EscrowID+"/release", buyerTok, nil)
	assert.Equal(t, fiber.StatusForbidden, status, string(body))

	status, body = s.do(t, "POST", "/api/v1/escrow/"+res.EscrowID+"/release", adminTok, map[string]any{"notes": "goods inspected"})
	require.Equal(t, fiber.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.EscrowStatusReleased, got.Escrow.Status)
	assert.NotNil(t, got.Escrow.ReleasedAt)

	status, body = s.do(t, "POST", "/api/v1/escrow/"+res.EscrowID+"/release", adminTok, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	e := decodeError(t, body)
	assert.Equal(t, services.CodeInvalidState, e.Code)
	assert.Equal(t, models.EscrowStatusReleased, e.LocalStatus)
	assert.Equal(t, 1, s.gw.Captures())

	status, body = s.do(t, "GET", "/api/v1/escrow/"+res.EscrowID+"/events", buyerTok, nil)
	require.Equal(t, fiber.StatusOK, status)
	var evs dto.EscrowEventsResponse
	require.NoError(t, json.Unmarshal(body, &evs))
	types := make([]string, 0, len(evs.Events))
	for _, ev := range evs.Events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{models.EventTypeCreated, models.EventTypeSync, models.EventTypeReleased}, types)
}

func TestInitEscrow_Errors(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "POST", "/api/v1/escrow/init", "", map[string]any{"rfqId": "r1"})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, services.CodeUnauthorized, decodeError(t, body).Code)

	status, _ = s.do(t, "POST", "/api/v1/escrow/init", token(t, "c1", rbac.RoleCooperative), map[string]any{
		"rfqId": "r1", "buyerId": "b1", "cooperativeId": "c1", "amount": 100,
	})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = s.do(t, "POST", "/api/v1/escrow/init", token(t, "b1", rbac.RoleBuyer), map[string]any{
		"rfqId": "r1", "buyerId": "b1", "cooperativeId": "c1", "amount": -5,
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, services.CodeValidation, decodeError(t, body).Code)

	status, body = s.do(t, "POST", "/api/v1/escrow/init", token(t, "b1", rbac.RoleBuyer), map[string]any{
		"buyerId": "b1", "cooperativeId": "c1", "amount": 5,
	})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, decodeError(t, body).Error, "rfqId")

	status, _ = s.do(t, "POST", "/api/v1/escrow/init", token(t, "b1", rbac.RoleBuyer), map[string]any{
		"rfqId": "r404", "buyerId": "b1", "cooperativeId": "c1", "amount": 5,
	})
	assert.Equal(t, fiber.StatusNotFound, status)

	s.gw.HoldErr = &payments.APIError{StatusCode: 500, Message: "boom"}
	status, body = s.do(t, "POST", "/api/v1/escrow/init", token(t, "b1", rbac.RoleBuyer), map[string]any{
		"rfqId": "r1", "buyerId": "b1", "cooperativeId": "c1", "amount": 5,
	})
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, services.CodeGateway, decodeError(t, body).Code)
}

func TestGetEscrow_CancelAndAccess(t *testing.T) {
	s := newTestServer(t)
	res := s.initEscrow(t)

	status, _ := s.do(t, "GET", "/api/v1/escrow/"+res.EscrowID, token(t, "stranger", rbac.RoleBuyer), nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = s.do(t, "GET", "/api/v1/escrow/"+res.EscrowID+"?result=refund", token(t, "b1", rbac.RoleBuyer), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, "GET", "/api/v1/escrow/does-not-exist", token(t, "b1", rbac.RoleBuyer), nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body := s.do(t, "GET", "/api/v1/escrow/"+res.EscrowID+"?result=cancel", token(t, "b1", rbac.RoleBuyer), nil)
	require.Equal(t, fiber.StatusOK, status, string(body))
	var got escrowBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, models.EscrowStatusCancelled, got.Escrow.Status)
}

func TestWebhookEndpoint(t *testing.T) {
	s := newTestServer(t)
	res := s.initEscrow(t)

	payload := testutil.IntentEvent("evt_1", payments.EventIntentAmountCapturableUpdated, *res.PaymentIntentID, payments.IntentStatusRequiresCapture, res.EscrowID)

	post := func(sig string) (int, []byte) {
		req := httptest.NewRequest("POST", "/api/v1/webhook", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set(payments.SignatureHeader, sig)
		}
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, data
	}

	status, body := post("")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, services.CodeInvalidSignature, decodeError(t, body).Code)

	status, _ = post("t=1,v1=00")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, body = post(s.gw.Sign(payload))
	require.Equal(t, fiber.StatusOK, status, string(body))
	assert.JSONEq(t, `{"received":true}`, string(body))

	e, err := s.store.GetByID(t.Context(), res.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusAuthorized, e.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	s.initEscrow(t)
	status, body = s.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), `escrow_gateway_calls_total{op="create_hold",result="ok"} 1`)
}
