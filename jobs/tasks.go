package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
	"github.com/esgqa/qa-engine/internal/notifications"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotificationSend delivers one bundled notification.
	TaskNotificationSend = "notification:send"
)

// sendRetention keeps finished send tasks around so a late re-dispatch of the
// same notification still hits the task id.
const sendRetention = 24 * time.Hour

// NewNotificationSendTask constructs an Asynq task carrying n. The task id is
// the notification id, so enqueuing the same notification twice is a no-op.
func NewNotificationSendTask(n notifications.Notification) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationSend, data,
		asynq.Queue(QueueDefault),
		asynq.TaskID(n.NotificationID.String()),
		asynq.MaxRetry(10),
		asynq.Retention(sendRetention),
	), nil
}

// Mail is one rendered message.
type Mail struct {
	From       string
	Recipients notifications.Recipients
	Subject    string
	Body       string
}

// Sender hands rendered mail to the mail system.
type Sender interface {
	Send(ctx context.Context, m Mail) error
}

// LogSender writes mail to the log instead of sending it.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, m Mail) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail sent",
		slog.String("from", m.From),
		slog.Int("recipients", len(m.Recipients)),
		slog.String("subject", m.Subject))
	return nil
}

// NotificationSendJob renders and sends notification tasks.
type NotificationSendJob struct {
	Sender  Sender
	From    string
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotificationSendJob initialises the send handler.
func NewNotificationSendJob(sender Sender, from string, logger *slog.Logger, metrics *jobmetrics.Metrics) *NotificationSendJob {
	return &NotificationSendJob{Sender: sender, From: from, Logger: logger, Metrics: metrics}
}

// Handle processes TaskNotificationSend tasks. Undecodable payloads are
// archived without retry.
func (j *NotificationSendJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sender == nil {
		return errors.New("notification send: handler not configured")
	}
	tracker := j.Metrics.Track(TaskNotificationSend)
	defer func() { err = tracker.End(err) }()

	var n notifications.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		j.log().Warn("undecodable notification archived", slog.Any("error", err))
		return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
	}
	if len(n.Recipients) == 0 {
		j.log().Info("notification without recipients dropped", slog.String("notification_id", n.NotificationID.String()))
		return nil
	}
	subject, body, err := notifications.Render(n.Content.EmailContent)
	if err != nil {
		return fmt.Errorf("render notification %s: %v: %w", n.NotificationID, err, asynq.SkipRetry)
	}
	if err := j.Sender.Send(ctx, Mail{From: j.From, Recipients: n.Recipients, Subject: subject, Body: body}); err != nil {
		return fmt.Errorf("send notification %s: %w", n.NotificationID, err)
	}
	j.log().Info("notification delivered", slog.String("notification_id", n.NotificationID.String()))
	return nil
}

func (j *NotificationSendJob) log() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default().With(slog.String("job", TaskNotificationSend))
}

// nowUTC is shared by scheduled task constructors.
func nowUTC() time.Time { return time.Now().UTC() }
