package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/groupmart/group_mart/internal/agent"
	"github.com/groupmart/group_mart/internal/catalog"
	"github.com/groupmart/group_mart/internal/config"
	"github.com/groupmart/group_mart/internal/ledger"
	"github.com/groupmart/group_mart/internal/middleware"
	"github.com/groupmart/group_mart/internal/notification"
	"github.com/groupmart/group_mart/internal/onboarding"
	"github.com/groupmart/group_mart/internal/store"
	"github.com/groupmart/group_mart/internal/transfer"
	"github.com/groupmart/group_mart/internal/users"
	"github.com/groupmart/group_mart/internal/vault"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Vault  *vault.Vault
	Agent  agent.Agent
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Agent == nil {
		return fmt.Errorf("platform agent is required")
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	// Durable state
	var st store.Store
	if d.DB != nil {
		pg := store.NewPostgres(d.DB)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = pg
	} else {
		st = store.NewMemory()
	}

	// Services
	notifier := notification.NewLoggerNotifier(d.Logger)
	rates := ledger.Rates{
		BuyingFee:  d.Cfg.BuyingFeeRate,
		SellingFee: d.Cfg.SellingFeeRate,
		Referral:   d.Cfg.ReferralRate,
	}
	ledgerSvc := ledger.NewService(st, notifier, d.Logger, rates, d.Cfg.MinWithdrawal)
	onboardingSvc := onboarding.NewService(st, d.Vault, d.Agent, d.Logger, d.Cfg.PendingTTL, d.Cfg.AccountQuota)
	catalogSvc := catalog.NewService(st, d.Agent, notifier, d.Logger, catalog.Config{
		QuoteTTL:    d.Cfg.PendingTTL,
		MinActivity: d.Cfg.MinItemActivity,
		MinPrice:    d.Cfg.MinPrice,
		MaxPrice:    d.Cfg.MaxPrice,
	})
	transferSvc := transfer.NewService(st, d.Agent, d.Vault, ledgerSvc, notifier, d.Logger)
	catalogSvc.SetReverser(transferSvc)

	usersHandler := users.NewHandler(st, ledgerSvc)
	onboardingHandler := onboarding.NewHandler(onboardingSvc)
	catalogHandler := catalog.NewHandler(catalogSvc)
	ledgerHandler := ledger.NewHandler(ledgerSvc)
	transferHandler := transfer.NewHandler(transferSvc)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterUserRoutes(api, usersHandler)

	enrollLimiter := middleware.EnrollRateLimit(d.Cache, 5)
	RegisterOnboardingRoutes(api, onboardingHandler, enrollLimiter)

	RegisterMarketRoutes(api, catalogHandler)

	// Money-moving routes get idempotency protection: a retried purchase or
	// withdrawal replays the stored response.
	trading := api.Group("")
	if d.Cache != nil {
		trading = api.Group("", middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterFundsRoutes(trading, ledgerHandler, transferHandler)

	return nil
}
