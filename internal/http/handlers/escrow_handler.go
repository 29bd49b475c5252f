package handlers

import (
	"github.com/coop-market/backend/internal/http/dto"
	"github.com/coop-market/backend/internal/models"
	"github.com/coop-market/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) InitEscrow(c *fiber.Ctx) error {
	var req dto.InitEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := dto.Validate(req); err != nil {
		return badRequest(c, err.Error())
	}

	res, err := h.escrowService.Init(c.Context(), services.InitParams{
		RFQID:         req.RFQID,
		LotID:         req.LotID,
		BuyerID:       req.BuyerID,
		CooperativeID: req.CooperativeID,
		Amount:        req.Amount,
		Currency:      req.Currency,
	}, callerFrom(c))
	if err != nil {
		return writeError(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.InitEscrowResponse{
		EscrowID:        res.Escrow.ID,
		PaymentIntentID: res.Escrow.PaymentIntentID,
		ClientSecret:    res.ClientSecret,
		CheckoutURL:     res.CheckoutURL,
		Status:          res.Escrow.Status,
	})
}

// GetEscrow returns the escrow. sync=true or result=success reconcile with
// the gateway first; result=cancel is the buyer returning from an abandoned
// checkout.
func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	var q dto.GetEscrowQuery
	if err := c.QueryParser(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	if err := dto.Validate(q); err != nil {
		return badRequest(c, err.Error())
	}

	id := c.Params("id")
	caller := callerFrom(c)
	escrow, err := h.escrowService.Get(c.Context(), id, caller)
	if err != nil {
		return writeError(c, h.log, err)
	}

	switch {
	case q.Result == "cancel":
		escrow, err = h.escrowService.Cancel(c.Context(), id, caller)
	case q.Sync || q.Result == "success":
		escrow, err = h.sync(c, escrow)
	}
	if err != nil {
		return writeError(c, h.log, err)
	}

	return c.JSON(dto.EscrowResponse{Escrow: escrow})
}

func (h *EscrowHandler) sync(c *fiber.Ctx, escrow *models.Escrow) (*models.Escrow, error) {
	if models.IsTerminal(escrow.Status) {
		return escrow, nil
	}
	return h.escrowService.Sync(c.Context(), escrow.ID)
}

func (h *EscrowHandler) ReleaseEscrow(c *fiber.Ctx) error {
	var req dto.ReleaseEscrowRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	if err := dto.Validate(req); err != nil {
		return badRequest(c, err.Error())
	}

	escrow, err := h.escrowService.Release(c.Context(), c.Params("id"), callerFrom(c), services.ReleaseParams{
		InspectorID: req.InspectorID,
		Notes:       req.Notes,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.EscrowResponse{Escrow: escrow})
}

func (h *EscrowHandler) GetEscrowEvents(c *fiber.Ctx) error {
	evs, err := h.escrowService.Events(c.Context(), c.Params("id"), callerFrom(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	if evs == nil {
		evs = []models.EscrowEvent{}
	}
	return c.JSON(dto.EscrowEventsResponse{Events: evs})
}
