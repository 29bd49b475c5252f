package handlers

import (
	"github.com/coop-market/backend/internal/http/dto"
	"github.com/coop-market/backend/internal/payments"
	"github.com/coop-market/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewWebhookHandler(escrowService *services.EscrowService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{escrowService: escrowService, log: log}
}

// HandleStripe acknowledges every verified event with 200. Processing
// failures answer 5xx so the gateway redelivers.
func (h *WebhookHandler) HandleStripe(c *fiber.Ctx) error {
	// The signature covers the exact bytes; copy them out of fiber's reused buffer.
	payload := append([]byte(nil), c.Body()...)
	sig := c.Get(payments.SignatureHeader)
	if sig == "" {
		return writeError(c, h.log, &services.EscrowError{
			Code:    services.CodeInvalidSignature,
			Message: "missing " + payments.SignatureHeader + " header",
		})
	}

	out, err := h.escrowService.HandleWebhook(c.Context(), payload, sig)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if out.Ignored {
		h.log.Debug("webhook ignored", zap.String("event_id", out.EventID), zap.String("escrow_id", out.EscrowID))
	}
	return c.JSON(dto.WebhookResponse{Received: true})
}
