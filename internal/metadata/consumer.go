package metadata

import (
	"context"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Consumer feeds status change and non-sourceable messages into the Service.
type Consumer struct {
	svc *Service
}

// NewConsumer constructs a Consumer.
func NewConsumer(svc *Service) *Consumer {
	return &Consumer{svc: svc}
}

// Register attaches the consumer's handlers to router.
func (c *Consumer) Register(router *messaging.Router) {
	router.Handle(messaging.TypeQaStatusChange, "metadata", func(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
		m, ok := msg.(messaging.QaStatusChange)
		if !ok {
			return shared.Rejected("unexpected payload %T", msg)
		}
		return c.svc.ApplyStatusChange(ctx, m)
	})
	router.Handle(messaging.TypeNonSourceable, "metadata", func(ctx context.Context, _ messaging.Envelope, msg messaging.Message) error {
		m, ok := msg.(messaging.NonSourceable)
		if !ok {
			return shared.Rejected("unexpected payload %T", msg)
		}
		return c.svc.ApplyNonSourceable(ctx, m)
	})
}
