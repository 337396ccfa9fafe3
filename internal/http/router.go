package http

import (
	"time"

	"github.com/escrow-service/backend/internal/config"
	"github.com/escrow-service/backend/internal/http/handlers"
	"github.com/escrow-service/backend/internal/middleware"
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
	authHandler *handlers.AuthHandler,
	escrowHandler *handlers.EscrowHandler,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-Id, X-User-Role",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))

	// Token exchange for the gateway identity headers
	api.Post("/auth/token", authHandler.IssueToken)

	// Escrows
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))
	protected.Post("/escrows", escrowHandler.CreateEscrow)
	protected.Get("/escrows", escrowHandler.ListEscrows)
	protected.Get("/escrows/:id", escrowHandler.GetEscrow)
	protected.Post("/escrows/:id/fund", escrowHandler.FundEscrow)
	protected.Post("/escrows/:id/release", escrowHandler.ReleaseEscrow)
	protected.Post("/escrows/:id/refund", escrowHandler.RefundEscrow)
	protected.Get("/escrows/:id/events", escrowHandler.GetEscrowEvents)
}
