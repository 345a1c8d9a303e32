package notifications

import (
	"context"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Consumer turns bus messages into elementary events.
type Consumer struct {
	svc *Service
}

// NewConsumer constructs a Consumer.
func NewConsumer(svc *Service) *Consumer {
	return &Consumer{svc: svc}
}

// Register attaches the consumer's handlers to router.
func (c *Consumer) Register(router *messaging.Router) {
	router.Handle(messaging.TypeQaStatusChange, "notifications", c.handleStatusChange)
	router.Handle(messaging.TypeNonSourceable, "notifications", c.handleNonSourceable)
}

// Only acceptances are announced; demotions and rejections stay silent.
func (c *Consumer) handleStatusChange(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
	m, ok := msg.(messaging.QaStatusChange)
	if !ok {
		return shared.Rejected("unexpected payload %T", msg)
	}
	if m.UpdatedQaStatus != string(qastatus.StatusAccepted) {
		return nil
	}
	_, _, err := c.svc.Record(ctx, UploadNotice{DataID: m.DataID, ActionType: ActionUpload})
	return err
}

func (c *Consumer) handleNonSourceable(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
	m, ok := msg.(messaging.NonSourceable)
	if !ok {
		return shared.Rejected("unexpected payload %T", msg)
	}
	if !m.IsNonSourceable {
		return nil
	}
	_, _, err := c.svc.Record(ctx, UploadNotice{
		CompanyID:       m.CompanyID,
		DataType:        m.DataType,
		ReportingPeriod: m.ReportingPeriod,
		ActionType:      ActionNonSourceable,
	})
	return err
}
