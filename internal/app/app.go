// Package app assembles the escrow service from configuration. The api,
// worker and escrowctl binaries share it so they agree on storage, locking
// and event wiring.
package app

import (
	"context"
	"fmt"

	"github.com/coop-market/backend/internal/config"
	"github.com/coop-market/backend/internal/db"
	"github.com/coop-market/backend/internal/events"
	"github.com/coop-market/backend/internal/locks"
	"github.com/coop-market/backend/internal/metrics"
	"github.com/coop-market/backend/internal/payments"
	"github.com/coop-market/backend/internal/repositories"
	"github.com/coop-market/backend/internal/services"
	"github.com/coop-market/backend/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Runtime struct {
	Service    *services.EscrowService
	Gateway    *payments.StripeGateway
	Metrics    *metrics.EscrowMetrics
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Subscriber events.Subscriber
}

type Options struct {
	// Migrate applies pending migrations after connecting to postgres.
	Migrate bool
}

// Build connects the configured stores. With STORE_DRIVER=memory nothing
// external is dialled and RFQ references are not checked.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{
		Metrics: metrics.New(),
		Gateway: payments.NewStripeGateway(payments.StripeConfig{
			SecretKey:        cfg.StripeSecretKey,
			WebhookSecret:    cfg.StripeWebhookSecret,
			APIBase:          cfg.StripeAPIBase,
			Mode:             cfg.HoldMode,
			Timeout:          cfg.GatewayTimeout,
			WebhookTolerance: cfg.WebhookTolerance,
		}, log),
	}

	var (
		store     services.EscrowStore
		rfqs      services.RFQLookup
		locker    services.Locker
		publisher events.Publisher
	)

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store = repositories.NewMemoryEscrowRepo()
		locker = locks.NewMemoryLocker()
	case config.StoreDriverPostgres:
		pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.Pool = pool
		if opts.Migrate {
			if _, err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
				rt.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		store = repositories.NewEscrowRepo(pool)
		rfqs = repositories.NewRFQRepo(pool)

		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		if rdb != nil {
			rt.Redis = rdb
			locker = locks.NewRedisLocker(rdb)
			publisher = events.NewRedisPublisher(rdb, log)
			rt.Subscriber = events.NewRedisSubscriber(rdb, log)
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	rt.Service = services.NewEscrowService(store, rt.Gateway, rfqs, locker, publisher, rt.Metrics, cfg, log)
	return rt, nil
}

func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
