package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
)

// TaskNotificationBackfill bundles elementary events that are still unnotified.
const TaskNotificationBackfill = "notification:backfill"

// BackfillPayload carries scheduling metadata.
type BackfillPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewBackfillTask constructs the backfill task.
func NewBackfillTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(BackfillPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationBackfill, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// Backfiller is implemented by notifications.Service.
type Backfiller interface {
	Backfill(ctx context.Context) (int, error)
}

// BackfillJob runs the elementary event backfill.
type BackfillJob struct {
	Events  Backfiller
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBackfillJob initialises the backfill handler.
func NewBackfillJob(events Backfiller, logger *slog.Logger, metrics *jobmetrics.Metrics) *BackfillJob {
	return &BackfillJob{Events: events, Logger: logger, Metrics: metrics}
}

// Handle processes TaskNotificationBackfill tasks.
func (j *BackfillJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Events == nil {
		return errors.New("notification backfill: handler not configured")
	}
	var payload BackfillPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskNotificationBackfill)
	defer func() { err = tracker.End(err) }()

	bundled, err := j.Events.Backfill(ctx)
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification backfill",
		slog.Time("scheduled_for", payload.ScheduledFor),
		slog.Int("bundled", bundled),
		slog.Any("error", err))
	return err
}

// BackfillCron registers the backfill every spec (cron syntax).
func BackfillCron(spec string) (CronRegistration, error) {
	task, err := NewBackfillTask(nowUTC())
	if err != nil {
		return CronRegistration{}, err
	}
	return CronRegistration{Spec: spec, Task: task}, nil
}
