package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coop-market/backend/internal/app"
	"github.com/coop-market/backend/internal/config"
	apphttp "github.com/coop-market/backend/internal/http"
	"github.com/coop-market/backend/internal/http/dto"
	"github.com/coop-market/backend/internal/http/handlers"
	"github.com/coop-market/backend/internal/middleware"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg)
	defer log.Sync()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		log.Fatal("failed to start escrow service", zap.Error(err))
	}
	defer rt.Close()

	escrowHandler := handlers.NewEscrowHandler(rt.Service, log)
	webhookHandler := handlers.NewWebhookHandler(rt.Service, log)

	var wsHub *handlers.WSHub
	if rt.Subscriber != nil {
		wsHub = handlers.NewWSHub(cfg, rt.Subscriber, log)
		wsHub.Start(ctx)
	}

	srv := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(dto.ErrorResponse{
				Error:     err.Error(),
				RequestID: middleware.GetRequestID(c),
			})
		},
	})

	apphttp.SetupRouter(srv, cfg, log, rt.Redis, escrowHandler, webhookHandler, rt.Metrics, wsHub)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = srv.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server",
		zap.String("addr", addr),
		zap.String("store", cfg.StoreDriver),
		zap.String("hold_mode", cfg.HoldMode),
	)
	if err := srv.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
