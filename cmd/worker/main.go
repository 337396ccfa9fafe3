package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escrow-service/backend/internal/clock"
	"github.com/escrow-service/backend/internal/config"
	"github.com/escrow-service/backend/internal/db"
	"github.com/escrow-service/backend/internal/events"
	"github.com/escrow-service/backend/internal/repositories"
	"github.com/escrow-service/backend/internal/services"
	"go.uber.org/zap"
)

// The worker is the external scheduler for the expiration sweep: it invokes
// SweepExpired on a fixed interval and otherwise knows nothing about escrow
// semantics. A failed run is not retried here; sweep idempotence makes the
// next tick safe.
func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PGMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	escrowRepo := repositories.NewEscrowRepo(pool, cfg.LockTimeout)
	publisher := events.NewRedisPublisher(rdb, log)
	escrowService := services.NewEscrowService(escrowRepo, publisher, clock.NewSystem(), cfg.ExpirationWindow, cfg.SweepBatchSize, log)

	log.Info("sweep worker started", zap.Duration("interval", cfg.SweepInterval))

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runSweep(ctx, escrowService, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runSweep(ctx context.Context, escrowService *services.EscrowService, log *zap.Logger) {
	expired, err := escrowService.SweepExpired(ctx)
	if err != nil {
		log.Error("sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		log.Info("expired escrows", zap.Int("count", expired))
	}
}
