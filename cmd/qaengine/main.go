package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/esgqa/qa-engine/internal/app"
	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/metadata"
	"github.com/esgqa/qa-engine/internal/notifications"
	"github.com/esgqa/qa-engine/internal/observability"
	"github.com/esgqa/qa-engine/internal/platform/cache"
	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/review"
	"github.com/esgqa/qa-engine/internal/schema"
	"github.com/esgqa/qa-engine/internal/shared"
	"github.com/esgqa/qa-engine/jobs"
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
	logger := app.NewLogger(cfg, "qaengine")
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("qaengine stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
		ServiceName: "qaengine",
		Environment: cfg.AppEnv,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

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

	registry, err := schema.Load(cfg.SchemaRegistryPath)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	locker := shared.NewRedisLocker(redisClient, cfg.ReviewLockTTL, cfg.TripleLockWait)
	auditLogger := shared.NewAuditLogger(pool)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() { _ = inspector.Close() }()

	statusService := qastatus.NewService(qastatus.NewRepository(pool), qastatus.ServiceConfig{
		Cache:  qastatus.NewActiveCache(redisClient, cfg.ActiveCacheTTL),
		Locker: locker,
		Logger: logger.With(slog.String("component", "qastatus")),
	})
	reportService := qareports.NewService(qareports.NewRepository(pool), statusService, registry, auditLogger,
		logger.With(slog.String("component", "qareports")))

	recipients := notifications.StaticRecipients(cfg.Recipients())
	reviewService := review.NewService(review.NewRepository(pool), review.Config{
		Status:   statusService,
		Reports:  reportService,
		Registry: registry,
		Locker:   locker,
		Notifier: notifications.NewReviewNotifier(jobClient, recipients),
		Audit:    auditLogger,
		Logger:   logger.With(slog.String("component", "review")),
	})
	eventService := notifications.NewService(notifications.NewRepository(pool), notifications.Config{
		Enabled:    cfg.NotificationFeatureFlag,
		Dispatcher: jobClient,
		Datasets:   statusService,
		Recipients: recipients,
		Locker:     locker,
		Logger:     logger.With(slog.String("component", "notifications")),
	})
	metadataService := metadata.NewService(metadata.NewRepository(pool), statusService,
		logger.With(slog.String("component", "metadata")))

	router := messaging.NewRouter(messaging.RouterConfig{
		Keys:        shared.NewIdempotencyStore(pool),
		Metrics:     metrics.Jobs(),
		Logger:      logger.With(slog.String("component", "messaging")),
		MaxAttempts: cfg.MessageMaxAttempts,
		ClaimLease:  cfg.MessageClaimLease,
	})
	qastatus.NewConsumer(statusService, logger.With(slog.String("component", "qastatus.consumer"))).Register(router)
	notifications.NewConsumer(eventService).Register(router)
	metadata.NewConsumer(metadataService).Register(router)

	bus, err := newBus(ctx, cfg, router, logger)
	if err != nil {
		return err
	}
	defer bus.close()

	relay := messaging.NewRelay(messaging.NewPgOutbox(pool), bus.publisher, messaging.RelayConfig{
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.MessageMaxAttempts,
		Sink:        bus.sink,
		Metrics:     metrics.Jobs(),
		Logger:      logger.With(slog.String("component", "outbox")),
	})
	statusService.SetFlusher(relay)
	reportService.SetFlusher(relay)

	handler := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Metrics:         metrics,
		ReportHandler:   qareports.NewHandler(logger, reportService),
		ReviewHandler:   review.NewHandler(logger, reviewService),
		DatasetHandler:  qastatus.NewHandler(logger, statusService),
		EventHandler:    notifications.NewHandler(logger, eventService),
		MetadataHandler: metadata.NewHandler(logger, metadataService),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Checks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})
	srv := app.NewServer(cfg, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(gctx, srv, cfg.AppWriteTimeout, logger)
	})
	g.Go(func() error {
		return relay.Run(gctx, cfg.OutboxInterval)
	})
	if bus.subscriber != nil {
		g.Go(func() error {
			return bus.subscriber.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type messageBus struct {
	publisher  messaging.Publisher
	sink       messaging.DeadLetterSink
	subscriber *messaging.PubSubSubscriber
	close      func()
}

// newBus connects to Pub/Sub when enabled and otherwise loops published
// envelopes straight back into router.
func newBus(ctx context.Context, cfg *app.Config, router *messaging.Router, logger *slog.Logger) (*messageBus, error) {
	if !cfg.BusEnabled {
		logger.Info("message bus disabled, using in-process delivery")
		sink := messaging.LogDeadLetter{Logger: logger}
		return &messageBus{
			publisher: messaging.NewLoopbackPublisher(router, sink),
			sink:      sink,
			close:     func() {},
		}, nil
	}
	client, err := messaging.NewPubSubClient(ctx, cfg.PubSubProjectID, cfg.PubSubCredentialsJSON)
	if err != nil {
		return nil, err
	}
	publisher := messaging.NewPubSubPublisher(client, cfg.PubSubTopic)
	deadLetter := messaging.NewPubSubDeadLetter(client, cfg.PubSubDeadLetterTopic)
	subscriber := messaging.NewPubSubSubscriber(client, cfg.PubSubSubscription, cfg.PubSubMaxOutstanding, router, deadLetter,
		logger.With(slog.String("component", "pubsub")))
	return &messageBus{
		publisher:  publisher,
		sink:       deadLetter,
		subscriber: subscriber,
		close: func() {
			publisher.Stop()
			deadLetter.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close", slog.Any("error", err))
			}
		},
	}, nil
}
