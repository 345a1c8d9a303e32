package qastatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/shared"
)

// SystemReviewer is recorded as reviewer for changes without a human actor.
const SystemReviewer = "system"

// Consumer applies QA bus messages to dataset and data point statuses.
type Consumer struct {
	svc    *Service
	logger *slog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(svc *Service, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "qastatus.consumer"))
	}
	return &Consumer{svc: svc, logger: logger}
}

// Register attaches the consumer's handlers to router.
func (c *Consumer) Register(router *messaging.Router) {
	router.Handle(messaging.TypeManualQaRequested, "qastatus", c.handleManualQaRequested)
	router.Handle(messaging.TypeAutomatedQaCompleted, "qastatus", c.handleAutomatedQaCompleted)
	router.Handle(messaging.TypeQaCompleted, "qastatus", c.handleQaCompleted)
}

func (c *Consumer) handleManualQaRequested(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
	m, ok := msg.(messaging.ManualQaRequested)
	if !ok {
		return shared.Rejected("unexpected payload %T", msg)
	}
	status := StatusPending
	comment := "manual qa requested"
	if m.BypassQa != nil && *m.BypassQa {
		status = StatusAccepted
		comment = "qa bypassed"
	}
	_, err := c.svc.ChangeDatasetStatus(ctx, ChangeInput{
		DataID: m.ResourceID, Status: status, ReviewerID: SystemReviewer, Comment: comment,
	})
	return err
}

func (c *Consumer) handleAutomatedQaCompleted(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
	m, ok := msg.(messaging.AutomatedQaCompleted)
	if !ok {
		return shared.Rejected("unexpected payload %T", msg)
	}
	if m.QaStatus == nil {
		c.logger.Info("automated qa left resource for human review", slog.String("resource_id", m.ResourceID))
		return nil
	}
	status, err := ParseStatus(*m.QaStatus)
	if err != nil {
		return shared.Rejected("%v", err)
	}

	ds, err := c.svc.repo.GetDataset(ctx, m.ResourceID)
	switch {
	case err == nil:
		return c.applyDatasetVerdict(ctx, ds, status, m)
	case !errors.Is(err, ErrDatasetNotFound):
		return err
	}

	dp, err := c.svc.repo.GetDataPoint(ctx, m.ResourceID)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("automated qa for unknown resource %s: %w", m.ResourceID, err)
		}
		return err
	}
	if !m.BypassQa {
		return c.svc.RecordSuggestion(ctx, Suggestion{
			DataID: dp.DataID, DataPointID: dp.DataPointID, Status: status,
			ReviewerID: m.ReviewerID, Comment: m.Comment,
		})
	}
	if dp.QaStatus == status {
		return nil
	}
	return c.svc.ChangeDataPointStatuses(ctx, dp.DataID, map[string]QaStatus{dp.DataPointType: status})
}

func (c *Consumer) applyDatasetVerdict(ctx context.Context, ds Dataset, status QaStatus, m messaging.AutomatedQaCompleted) error {
	if !m.BypassQa {
		return c.svc.RecordSuggestion(ctx, Suggestion{
			DataID: ds.DataID, Status: status, ReviewerID: m.ReviewerID, Comment: m.Comment,
		})
	}
	_, err := c.svc.ChangeDatasetStatus(ctx, ChangeInput{
		DataID: ds.DataID, Status: status, ReviewerID: m.ReviewerID, Comment: m.Comment,
	})
	return err
}

func (c *Consumer) handleQaCompleted(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
	m, ok := msg.(messaging.QaCompleted)
	if !ok {
		return shared.Rejected("unexpected payload %T", msg)
	}
	status, err := ParseStatus(m.ValidationResult)
	if err != nil {
		return shared.Rejected("%v", err)
	}
	comment := ""
	if m.Message != nil {
		comment = *m.Message
	}
	_, err = c.svc.ChangeDatasetStatus(ctx, ChangeInput{
		DataID: m.Identifier, Status: status, ReviewerID: m.ReviewerID, Comment: comment,
	})
	return err
}
