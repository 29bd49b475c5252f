package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coop-market/backend/internal/app"
	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/services"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg)
	defer log.Sync()
	cfg.Validate(log)

	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Fatal("worker needs a shared store, STORE_DRIVER=memory is not supported")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Fatal("failed to start escrow service", zap.Error(err))
	}
	defer rt.Close()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal("failed to create scheduler", zap.Error(err))
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.SyncInterval),
		gocron.NewTask(runPendingSync, ctx, rt.Service, cfg, log),
		gocron.WithName("escrow_sync_pending"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		log.Fatal("failed to schedule pending sync", zap.Error(err))
	}

	scheduler.Start()
	log.Info("worker started",
		zap.Duration("interval", cfg.SyncInterval),
		zap.Duration("stale_after", cfg.SyncStaleAfter),
		zap.Int("batch", cfg.SyncBatchSize),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down worker")
	cancel()
	if err := scheduler.Shutdown(); err != nil {
		log.Error("scheduler shutdown", zap.Error(err))
	}
}

// runPendingSync reconciles non-terminal escrows untouched for SyncStaleAfter.
// Webhooks normally move them first, this catches lost deliveries.
func runPendingSync(ctx context.Context, svc *services.EscrowService, cfg *config.Config, log *zap.Logger) {
	start := time.Now()
	cutoff := start.Add(-cfg.SyncStaleAfter)
	examined, changed, err := svc.SyncPending(ctx, cutoff, cfg.SyncBatchSize)
	if err != nil {
		log.Error("pending sync failed", zap.Int("examined", examined), zap.Error(err))
		return
	}
	if examined > 0 {
		log.Info("pending sync done",
			zap.Int("examined", examined),
			zap.Int("changed", changed),
			zap.Duration("took", time.Since(start)),
		)
	}

	orphans, err := svc.Unreferenced(ctx, cutoff, cfg.SyncBatchSize)
	if err != nil {
		log.Error("list unreferenced escrows failed", zap.Error(err))
		return
	}
	for _, e := range orphans {
		log.Warn("escrow has no gateway reference, cancel it with escrowctl after checking the gateway",
			zap.String("escrow_id", e.ID),
			zap.String("rfq_id", e.RFQID),
			zap.Time("created_at", e.CreatedAt),
		)
	}
}
