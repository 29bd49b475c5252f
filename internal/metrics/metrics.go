package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway operations recorded by GatewayCall.
const (
	OpCreateHold      = "create_hold"
	OpRetrieveIntent  = "retrieve_intent"
	OpRetrieveSession = "retrieve_session"
	OpCapture         = "capture"
)

// Webhook outcomes recorded by Webhook.
const (
	WebhookApplied          = "applied"
	WebhookLogged           = "logged"
	WebhookIgnored          = "ignored"
	WebhookUnknownEscrow    = "unknown_escrow"
	WebhookInvalidSignature = "invalid_signature"
	WebhookError            = "error"
)

// EscrowMetrics holds the escrow reconciliation counters.
type EscrowMetrics struct {
	registry     *prometheus.Registry
	transitions  *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	syncRuns     *prometheus.CounterVec
}

func New() *EscrowMetrics {
	reg := prometheus.NewRegistry()
	m := &EscrowMetrics{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_status_transitions_total",
			Help: "Escrow status transitions by source and target status.",
		}, []string{"from", "to"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_gateway_calls_total",
			Help: "Payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_webhooks_total",
			Help: "Received payment webhooks by outcome.",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_sync_runs_total",
			Help: "Escrow sync runs by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.transitions, m.gatewayCalls, m.webhooks, m.syncRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *EscrowMetrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *EscrowMetrics) GatewayCall(op string, err error) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, result(err)).Inc()
}

func (m *EscrowMetrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) SyncRun(err error) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result(err)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *EscrowMetrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
