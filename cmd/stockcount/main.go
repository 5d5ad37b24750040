package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/internal/app"
	"github.com/odyssey-erp/stockcount/internal/auth"
	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/masterdata"
	"github.com/odyssey-erp/stockcount/internal/observability"
	"github.com/odyssey-erp/stockcount/internal/platform/cache"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
	"github.com/odyssey-erp/stockcount/internal/stockcount"
	"github.com/odyssey-erp/stockcount/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "stockcount_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(dbpool)
	if err := rbacService.SyncPermissions(ctx, shared.AllScopes()); err != nil {
		logger.Error("sync permissions", slog.Any("error", err))
		os.Exit(1)
	}
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	authService := auth.NewService(auth.NewRepository(dbpool))
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	masterRepo := masterdata.NewRepository(dbpool)
	catalog := masterdata.NewCatalog(masterRepo, masterdata.NewCache(redisClient, cfg.StockCount.BarcodeCacheTTL), logger)
	locations := masterdata.NewLocations(masterRepo)
	masterHandler := masterdata.NewHandler(logger, catalog, locations, rbacMiddleware)

	inventoryService := inventory.NewService(inventory.NewRepository(dbpool))
	inventoryHandler := inventory.NewHandler(logger, inventoryService, rbacMiddleware)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	stockCountService := stockcount.NewService(stockcount.Dependencies{
		Repo:        stockcount.NewRepository(dbpool),
		Catalog:     catalog,
		Units:       masterdata.NewUnits(masterRepo),
		BOMs:        masterdata.NewBOMProvider(masterRepo),
		Locations:   locations,
		Authz:       rbac.Checker{Source: rbacService},
		Locker:      shared.NewRedisLocker(cache.NewLocker(redisClient), cfg.StockCount.LockTTL),
		Audit:       shared.NewAuditLogger(dbpool),
		Approvals:   shared.NewApprovalRecorder(dbpool, logger),
		Idempotency: shared.NewIdempotencyStore(dbpool),
		Notifier:    jobClient,
		Metrics:     metrics.StockCount(),
		Logger:      logger,
	}, stockcount.Config{
		AdjustmentLocationID: cfg.StockCount.AdjustmentLocationID,
		BlockKitParents:      cfg.StockCount.BlockKitParents,
	})
	stockCountHandler := stockcount.NewHandler(logger, stockCountService, rbacMiddleware)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AuthHandler:        authHandler,
		StockCountHandler:  stockCountHandler,
		InventoryHandler:   inventoryHandler,
		MasterDataHandler:  masterHandler,
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
