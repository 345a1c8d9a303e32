package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/esgqa/qa-engine/internal/shared"
)

// NewPubSubClient connects to Pub/Sub. Empty credentials fall back to
// application default credentials (or the emulator when PUBSUB_EMULATOR_HOST is set).
func NewPubSubClient(ctx context.Context, projectID, credentialsJSON string) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: pubsub client: %w", err)
	}
	return client, nil
}

// PubSubPublisher publishes envelopes with per-key ordering.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher returns a publisher for topicID with message ordering enabled.
func NewPubSubPublisher(client *pubsub.Client, topicID string) *PubSubPublisher {
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{topic: topic}
}

// Publish implements Publisher and waits for the server ack.
func (p *PubSubPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("messaging: encode: %w", err)
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: env.OrderingKey,
		Attributes: map[string]string{
			"messageId":   env.MessageID,
			"messageType": env.MessageType,
			"actionType":  env.ActionType,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		if env.OrderingKey != "" {
			// A failed publish pauses the key until resumed.
			p.topic.ResumePublish(env.OrderingKey)
		}
		return shared.Transient(fmt.Errorf("publish %s: %w", env.MessageType, err))
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// PubSubDeadLetter republishes poison messages to a dead-letter topic.
type PubSubDeadLetter struct {
	topic *pubsub.Topic
}

// NewPubSubDeadLetter constructs the sink.
func NewPubSubDeadLetter(client *pubsub.Client, topicID string) *PubSubDeadLetter {
	return &PubSubDeadLetter{topic: client.Topic(topicID)}
}

// DeadLetter implements DeadLetterSink.
func (s *PubSubDeadLetter) DeadLetter(ctx context.Context, dl DeadLetter) error {
	res := s.topic.Publish(ctx, &pubsub.Message{Data: dl.Data, Attributes: dl.Attributes()})
	if _, err := res.Get(ctx); err != nil {
		return shared.Transient(fmt.Errorf("dead-letter publish: %w", err))
	}
	return nil
}

// Stop flushes pending messages.
func (s *PubSubDeadLetter) Stop() {
	s.topic.Stop()
}

// PubSubSubscriber feeds a subscription into a Router.
type PubSubSubscriber struct {
	sub    *pubsub.Subscription
	router *Router
	sink   DeadLetterSink
	logger *slog.Logger
}

// NewPubSubSubscriber constructs a subscriber. The subscription must have
// message ordering enabled for per-key ordering to hold.
func NewPubSubSubscriber(client *pubsub.Client, subscriptionID string, maxOutstanding int, router *Router, sink DeadLetterSink, logger *slog.Logger) *PubSubSubscriber {
	sub := client.Subscription(subscriptionID)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	if sink == nil {
		sink = LogDeadLetter{Logger: logger}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSubSubscriber{sub: sub, router: router, sink: sink, logger: logger}
}

// Run blocks receiving messages until ctx is cancelled.
func (s *PubSubSubscriber) Run(ctx context.Context) error {
	s.logger.Info("pubsub subscriber started", slog.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		outcome, err := s.router.Deliver(ctx, Delivery{ID: m.ID, Data: m.Data, Attempt: attempt})
		switch outcome {
		case OutcomeAck:
			m.Ack()
		case OutcomeDeadLetter:
			dl := DeadLetter{
				DeliveryID:  m.ID,
				MessageType: m.Attributes["messageType"],
				Data:        m.Data,
				Reason:      errString(err),
				Attempt:     attempt,
			}
			if sinkErr := s.sink.DeadLetter(ctx, dl); sinkErr != nil {
				s.logger.Error("dead-letter failed, message will be redelivered",
					slog.String("delivery_id", m.ID), slog.Any("error", sinkErr))
				m.Nack()
				return
			}
			m.Ack()
		default:
			m.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("messaging: receive %s: %w", s.sub.ID(), err)
	}
	return nil
}
