package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/esgqa/qa-engine/internal/shared"
)

// Publisher hands envelopes to a transport.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// NopPublisher drops everything.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Envelope) error { return nil }

// DeadLetter describes a message that will not be processed again.
type DeadLetter struct {
	DeliveryID  string
	MessageType string
	Data        []byte
	Reason      string
	Attempt     int
}

// Attributes renders the dead letter metadata as transport attributes.
func (d DeadLetter) Attributes() map[string]string {
	attrs := map[string]string{
		"reason":  d.Reason,
		"attempt": strconv.Itoa(d.Attempt),
	}
	if d.MessageType != "" {
		attrs["messageType"] = d.MessageType
	}
	if d.DeliveryID != "" {
		attrs["deliveryId"] = d.DeliveryID
	}
	return attrs
}

// DeadLetterSink stores messages that were rejected or exhausted their retries.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// LogDeadLetter writes dead letters to the log only.
type LogDeadLetter struct {
	Logger *slog.Logger
}

// DeadLetter implements DeadLetterSink.
func (l LogDeadLetter) DeadLetter(_ context.Context, dl DeadLetter) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("message dead-lettered",
		slog.String("delivery_id", dl.DeliveryID),
		slog.String("message_type", dl.MessageType),
		slog.Int("attempt", dl.Attempt),
		slog.String("reason", dl.Reason),
		slog.String("payload", string(dl.Data)))
	return nil
}

// LoopbackPublisher delivers envelopes straight into an in-process Router.
// Used when no bus is configured and in tests.
type LoopbackPublisher struct {
	router *Router
	sink   DeadLetterSink
}

// NewLoopbackPublisher constructs a LoopbackPublisher. A nil sink logs dead letters.
func NewLoopbackPublisher(router *Router, sink DeadLetterSink) *LoopbackPublisher {
	if sink == nil {
		sink = LogDeadLetter{}
	}
	return &LoopbackPublisher{router: router, sink: sink}
}

// Publish implements Publisher. A retry outcome is surfaced as a transient
// error so the caller keeps the message pending.
func (p *LoopbackPublisher) Publish(ctx context.Context, env Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return fmt.Errorf("messaging: encode: %w", err)
	}
	outcome, err := p.router.Deliver(ctx, Delivery{ID: env.MessageID, Data: raw, Attempt: 1})
	switch outcome {
	case OutcomeAck:
		return nil
	case OutcomeDeadLetter:
		return p.sink.DeadLetter(ctx, DeadLetter{
			DeliveryID:  env.MessageID,
			MessageType: env.MessageType,
			Data:        raw,
			Reason:      errString(err),
			Attempt:     1,
		})
	default:
		return shared.Transient(err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
