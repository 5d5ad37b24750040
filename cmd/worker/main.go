package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/internal/app"
	"github.com/odyssey-erp/stockcount/internal/integration"
	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
	"github.com/odyssey-erp/stockcount/internal/shared"
	"github.com/odyssey-erp/stockcount/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)

	publisher := integration.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicStockCount)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("kafka publisher close", slog.Any("error", err))
		}
	}()

	postedJob := jobs.NewStockCountPostedJob(publisher, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), cfg.IdempotencyRetention, logger, metrics)

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(time.Now().UTC())
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockCountPosted, Handler: postedJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IdempotencyCleanup, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("topic", publisher.Topic()))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
