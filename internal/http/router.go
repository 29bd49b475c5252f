package http

import (
	"time"

	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/http/handlers"
	"github.com/coop-market/backend/internal/metrics"
	"github.com/coop-market/backend/internal/middleware"
	"github.com/coop-market/backend/internal/rbac"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	escrowHandler *handlers.EscrowHandler,
	webhookHandler *handlers.WebhookHandler,
	m *metrics.EscrowMetrics,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if m != nil {
		app.Get("/metrics", m.Handler())
	}

	api := app.Group("/api/v1")

	// Gateway webhook: authenticated by its signature, never rate limited.
	api.Post("/webhook", webhookHandler.HandleStripe)

	api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))

	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Escrow
	protected.Post("/escrow/init", middleware.RequirePermission(rbac.PermInitEscrow), escrowHandler.InitEscrow)
	protected.Get("/escrow/:id", escrowHandler.GetEscrow)
	protected.Get("/escrow/:id/events", escrowHandler.GetEscrowEvents)
	protected.Post("/escrow/:id/release", middleware.RequirePermission(rbac.PermReleaseEscrow), escrowHandler.ReleaseEscrow)

	// WebSocket
	if wsHub != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws", websocket.New(wsHub.HandleWS))
	}
}
