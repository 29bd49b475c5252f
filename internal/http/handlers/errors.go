package handlers

import (
	"errors"

	"github.com/coop-market/backend/internal/http/dto"
	"github.com/coop-market/backend/internal/middleware"
	"github.com/coop-market/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// writeError renders err as an ErrorResponse. EscrowErrors carry their own
// status; anything else is an internal error and its text is not exposed.
func writeError(c *fiber.Ctx, log *zap.Logger, err error) error {
	reqID := middleware.GetRequestID(c)

	var ee *services.EscrowError
	if !errors.As(err, &ee) {
		log.Error("unhandled error", zap.String("request_id", reqID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error:     "internal error",
			Code:      services.CodePersistence,
			RequestID: reqID,
		})
	}

	status := ee.HTTPStatus()
	if status >= fiber.StatusInternalServerError {
		log.Error("escrow request failed", zap.String("request_id", reqID), zap.String("code", ee.Code), zap.Error(err))
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:         ee.Message,
		Code:          ee.Code,
		RequestID:     reqID,
		LocalStatus:   ee.LocalStatus,
		GatewayStatus: ee.GatewayStatus,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error:     msg,
		Code:      services.CodeValidation,
		RequestID: middleware.GetRequestID(c),
	})
}

func callerFrom(c *fiber.Ctx) services.Caller {
	return services.Caller{UserID: middleware.GetUserID(c), Role: middleware.GetRole(c)}
}
