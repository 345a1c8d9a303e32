package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/esgqa/qa-engine/internal/app"
	"github.com/esgqa/qa-engine/internal/notifications"
	"github.com/esgqa/qa-engine/internal/observability"
	"github.com/esgqa/qa-engine/internal/platform/cache"
	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
	"github.com/esgqa/qa-engine/jobs"
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
	logger := app.NewLogger(cfg, "worker")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() { _ = jobClient.Close() }()

	metrics := observability.NewMetrics()
	statusService := qastatus.NewService(qastatus.NewRepository(pool), qastatus.ServiceConfig{
		Logger: logger.With(slog.String("component", "qastatus")),
	})
	eventService := notifications.NewService(notifications.NewRepository(pool), notifications.Config{
		Enabled:    cfg.NotificationFeatureFlag,
		Dispatcher: jobClient,
		Datasets:   statusService,
		Recipients: notifications.StaticRecipients(cfg.Recipients()),
		Locker:     shared.NewRedisLocker(redisClient, cfg.ReviewLockTTL, cfg.TripleLockWait),
		Logger:     logger.With(slog.String("component", "notifications")),
	})

	sendJob := jobs.NewNotificationSendJob(jobs.LogSender{Logger: logger}, cfg.SMTPFrom, logger, metrics.Jobs())
	backfillJob := jobs.NewBackfillJob(eventService, logger, metrics.Jobs())
	cleanupJob := jobs.NewCleanupJob(shared.NewIdempotencyStore(pool), cfg.IdempotencyRetention, logger, metrics.Jobs())

	var crons []jobs.CronRegistration
	if cfg.IdempotencyCleanCron != "" {
		crons = append(crons, jobs.CronRegistration{Spec: cfg.IdempotencyCleanCron, Task: jobs.NewCleanupTask()})
	}
	if cfg.NotificationFeatureFlag && cfg.BackfillCron != "" {
		reg, err := jobs.BackfillCron(cfg.BackfillCron)
		if err != nil {
			return err
		}
		reg.Options = []asynq.Option{asynq.MaxRetry(3)}
		crons = append(crons, reg)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotificationSend, Handler: sendJob.Handle},
			{Type: jobs.TaskNotificationBackfill, Handler: backfillJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: crons,
	})
	if err != nil {
		return err
	}
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
