package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Outcome tells the transport what to do with a delivery.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is one attempt at handing raw bytes to the router.
type Delivery struct {
	ID      string
	Data    []byte
	Attempt int
}

// HandlerFunc processes one decoded message.
type HandlerFunc func(ctx context.Context, env Envelope, msg Message) error

// IdempotencyKeys records which message ids a handler already processed.
// Claim leases a key; Complete makes it permanent and Release gives it back.
type IdempotencyKeys interface {
	Claim(ctx context.Context, key, module string, lease time.Duration) error
	Complete(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

// DefaultClaimLease bounds how long a crashed delivery blocks redelivery.
const DefaultClaimLease = 2 * time.Minute

// RouterConfig wires Router dependencies. Zero values are usable.
type RouterConfig struct {
	Keys        IdempotencyKeys
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
	Tracer      trace.Tracer
	MaxAttempts int
	ClaimLease  time.Duration
}

type route struct {
	name string
	fn   HandlerFunc
}

// Router dispatches envelopes to the handlers registered for their type.
type Router struct {
	routes      map[string][]route
	keys        IdempotencyKeys
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	maxAttempts int
	lease       time.Duration
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) *Router {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/esgqa/qa-engine/internal/messaging")
	}
	lease := cfg.ClaimLease
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &Router{
		routes:      make(map[string][]route),
		keys:        cfg.Keys,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		tracer:      tracer,
		maxAttempts: cfg.MaxAttempts,
		lease:       lease,
	}
}

// Handle registers fn for messageType. name identifies the handler for
// idempotency bookkeeping and metrics and must be unique per type.
func (r *Router) Handle(messageType, name string, fn HandlerFunc) {
	if _, ok := registry[messageType]; !ok {
		panic(fmt.Sprintf("messaging: unknown message type %q", messageType))
	}
	for _, existing := range r.routes[messageType] {
		if existing.name == name {
			panic(fmt.Sprintf("messaging: handler %s already registered for %s", name, messageType))
		}
	}
	r.routes[messageType] = append(r.routes[messageType], route{name: name, fn: fn})
}

// Deliver decodes and dispatches d. Rejected or invalid messages are dead
// lettered; other failures are retried until MaxAttempts is exhausted.
func (r *Router) Deliver(ctx context.Context, d Delivery) (Outcome, error) {
	env, msg, err := Decode(d.Data)
	if err != nil {
		r.metrics.DeadLetter(env.MessageType, "rejected")
		r.log().Warn("message rejected", slog.String("delivery_id", d.ID), slog.Any("error", err))
		return OutcomeDeadLetter, err
	}
	routes := r.routes[env.MessageType]
	if len(routes) == 0 {
		err := shared.Rejected("no handler for %s", env.MessageType)
		r.metrics.DeadLetter(env.MessageType, "unroutable")
		return OutcomeDeadLetter, err
	}

	ctx, span := r.tracer.Start(ctx, "messaging.deliver", trace.WithAttributes(
		attribute.String("message.type", env.MessageType),
		attribute.String("message.id", env.MessageID),
		attribute.Int("message.attempt", d.Attempt),
	))
	defer span.End()

	var retryErr error
	for _, rt := range routes {
		err := r.dispatch(ctx, rt, env, msg)
		if err == nil {
			continue
		}
		span.RecordError(err)
		if errors.Is(err, shared.ErrMessageRejected) || errors.Is(err, shared.ErrInvalidInput) {
			span.SetStatus(codes.Error, "rejected")
			r.metrics.DeadLetter(env.MessageType, "handler_rejected")
			r.log().Warn("handler rejected message",
				slog.String("handler", rt.name),
				slog.String("message_type", env.MessageType),
				slog.String("message_id", env.MessageID),
				slog.Any("error", err))
			return OutcomeDeadLetter, err
		}
		retryErr = errors.Join(retryErr, fmt.Errorf("%s: %w", rt.name, err))
	}
	if retryErr == nil {
		return OutcomeAck, nil
	}
	span.SetStatus(codes.Error, "retry")
	if r.maxAttempts > 0 && d.Attempt >= r.maxAttempts {
		r.metrics.DeadLetter(env.MessageType, "attempts_exhausted")
		return OutcomeDeadLetter, retryErr
	}
	r.log().Warn("message delivery failed",
		slog.String("message_type", env.MessageType),
		slog.String("message_id", env.MessageID),
		slog.Int("attempt", d.Attempt),
		slog.Any("error", retryErr))
	return OutcomeRetry, retryErr
}

func (r *Router) dispatch(ctx context.Context, rt route, env Envelope, msg Message) error {
	if r.keys != nil {
		err := r.keys.Claim(ctx, env.MessageID, rt.name, r.lease)
		switch {
		case errors.Is(err, shared.ErrIdempotencyConflict):
			r.log().Debug("duplicate delivery skipped",
				slog.String("handler", rt.name),
				slog.String("message_id", env.MessageID))
			return nil
		case err != nil:
			return shared.Transient(err)
		}
	}
	tracker := r.metrics.Track(rt.name)
	err := tracker.End(rt.fn(ctx, env, msg))
	if r.keys == nil {
		return err
	}
	// The delivery context may already be cancelled; settling the claim must
	// still reach the store.
	settle := context.WithoutCancel(ctx)
	if err != nil {
		if relErr := r.keys.Release(settle, env.MessageID, rt.name); relErr != nil {
			r.log().Error("release idempotency key", slog.String("message_id", env.MessageID), slog.Any("error", relErr))
		}
		return err
	}
	if doneErr := r.keys.Complete(settle, env.MessageID, rt.name); doneErr != nil {
		r.log().Error("complete idempotency key", slog.String("message_id", env.MessageID), slog.Any("error", doneErr))
	}
	return nil
}

func (r *Router) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}
