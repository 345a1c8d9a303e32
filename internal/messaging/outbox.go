package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
	"github.com/esgqa/qa-engine/internal/shared"
)

// OutboxWriter appends envelopes in the caller's transaction so they are
// published if and only if the state change commits.
type OutboxWriter interface {
	AppendOutbox(ctx context.Context, env Envelope) error
}

// OutboxRecord is one pending envelope.
type OutboxRecord struct {
	ID        int64
	Envelope  Envelope
	Attempts  int
	CreatedAt time.Time
}

// OutboxStore is read by the Relay.
type OutboxStore interface {
	Pending(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkDead(ctx context.Context, id int64, reason string, at time.Time) error
}

// PgOutbox stores envelopes in message_outbox.
type PgOutbox struct {
	pool *pgxpool.Pool
}

// NewPgOutbox constructs the store.
func NewPgOutbox(pool *pgxpool.Pool) *PgOutbox {
	return &PgOutbox{pool: pool}
}

// TxOutbox writes into message_outbox inside tx.
type TxOutbox struct {
	tx pgx.Tx
}

// NewTxOutbox binds an OutboxWriter to tx.
func NewTxOutbox(tx pgx.Tx) TxOutbox {
	return TxOutbox{tx: tx}
}

// AppendOutbox implements OutboxWriter.
func (o TxOutbox) AppendOutbox(ctx context.Context, env Envelope) error {
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = o.tx.Exec(ctx, `INSERT INTO message_outbox (message_id, message_type, ordering_key, envelope, created_at)
VALUES ($1, $2, $3, $4, $5)`, env.MessageID, env.MessageType, env.OrderingKey, raw, env.PublishedAt)
	return shared.ClassifyStoreError(err)
}

// Pending implements OutboxStore. Records come back in insertion order.
func (o *PgOutbox) Pending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := o.pool.Query(ctx, `SELECT id, envelope, attempts, created_at
FROM message_outbox
WHERE published_at IS NULL AND dead_lettered_at IS NULL
ORDER BY id
LIMIT $1`, limit)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []OutboxRecord
	for rows.Next() {
		var (
			rec OutboxRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &raw, &rec.Attempts, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("messaging: outbox %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

// MarkPublished implements OutboxStore.
func (o *PgOutbox) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := o.pool.Exec(ctx, `UPDATE message_outbox SET published_at=$2, attempts=attempts+1 WHERE id=$1`, id, at)
	return shared.ClassifyStoreError(err)
}

// MarkFailed implements OutboxStore.
func (o *PgOutbox) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := o.pool.Exec(ctx, `UPDATE message_outbox SET attempts=attempts+1, last_error=$2 WHERE id=$1`, id, reason)
	return shared.ClassifyStoreError(err)
}

// MarkDead implements OutboxStore.
func (o *PgOutbox) MarkDead(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := o.pool.Exec(ctx, `UPDATE message_outbox SET dead_lettered_at=$3, last_error=$2 WHERE id=$1`, id, reason, at)
	return shared.ClassifyStoreError(err)
}

// RelayConfig tunes a Relay.
type RelayConfig struct {
	BatchSize   int
	MaxAttempts int
	Sink        DeadLetterSink
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
}

// Relay moves committed outbox records to a Publisher. A failed record
// blocks later records with the same ordering key until the next flush.
type Relay struct {
	store     OutboxStore
	publisher Publisher
	cfg       RelayConfig
	now       func() time.Time
	mu        sync.Mutex
}

// NewRelay constructs a Relay.
func NewRelay(store OutboxStore, publisher Publisher, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Sink == nil {
		cfg.Sink = LogDeadLetter{Logger: cfg.Logger}
	}
	return &Relay{store: store, publisher: publisher, cfg: cfg, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (r *Relay) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Flush publishes pending records until a pass makes no progress. Records
// appended while flushing (for example by in-process consumers) are picked
// up by the same call. Concurrent or re-entrant calls return immediately.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if !r.mu.TryLock() {
		return 0, nil
	}
	defer r.mu.Unlock()

	pass := flushPass{
		failed:  make(map[int64]struct{}),
		blocked: make(map[string]struct{}),
	}
	published := 0
	for {
		records, err := r.store.Pending(ctx, r.cfg.BatchSize)
		if err != nil {
			return published, err
		}
		progressed, err := r.publishBatch(ctx, records, &pass)
		published += progressed
		if err != nil {
			return published, err
		}
		if progressed == 0 {
			return published, pass.firstErr
		}
	}
}

type flushPass struct {
	failed   map[int64]struct{}
	blocked  map[string]struct{}
	firstErr error
}

func (r *Relay) publishBatch(ctx context.Context, records []OutboxRecord, pass *flushPass) (int, error) {
	progressed := 0
	for _, rec := range records {
		if _, seen := pass.failed[rec.ID]; seen {
			continue
		}
		key := rec.Envelope.OrderingKey
		if _, stop := pass.blocked[key]; stop && key != "" {
			continue
		}
		if err := r.publisher.Publish(ctx, rec.Envelope); err != nil {
			if pass.firstErr == nil {
				pass.firstErr = err
			}
			pass.failed[rec.ID] = struct{}{}
			if key != "" {
				pass.blocked[key] = struct{}{}
			}
			if rec.Attempts+1 >= r.cfg.MaxAttempts {
				r.deadLetter(ctx, rec, err)
				continue
			}
			if markErr := r.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				return progressed, markErr
			}
			continue
		}
		if err := r.store.MarkPublished(ctx, rec.ID, r.now()); err != nil {
			return progressed, err
		}
		r.cfg.Metrics.Published(rec.Envelope.MessageType, 1)
		progressed++
	}
	return progressed, nil
}

func (r *Relay) deadLetter(ctx context.Context, rec OutboxRecord, cause error) {
	raw, _ := Encode(rec.Envelope)
	r.cfg.Metrics.DeadLetter(rec.Envelope.MessageType, "publish_exhausted")
	if err := r.cfg.Sink.DeadLetter(ctx, DeadLetter{
		DeliveryID:  rec.Envelope.MessageID,
		MessageType: rec.Envelope.MessageType,
		Data:        raw,
		Reason:      cause.Error(),
		Attempt:     rec.Attempts + 1,
	}); err != nil {
		r.log().Error("outbox dead-letter failed", slog.Int64("outbox_id", rec.ID), slog.Any("error", err))
		reason := fmt.Sprintf("%v; dead-letter: %v", cause, err)
		if markErr := r.store.MarkFailed(ctx, rec.ID, reason); markErr != nil {
			r.log().Error("outbox mark failed", slog.Int64("outbox_id", rec.ID), slog.Any("error", markErr))
		}
		return
	}
	if err := r.store.MarkDead(ctx, rec.ID, cause.Error(), r.now()); err != nil {
		r.log().Error("outbox mark dead failed", slog.Int64("outbox_id", rec.ID), slog.Any("error", err))
	}
}

// Run flushes every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log().Warn("outbox flush", slog.Any("error", err))
			}
		}
	}
}

func (r *Relay) log() *slog.Logger {
	if r.cfg.Logger != nil {
		return r.cfg.Logger
	}
	return slog.Default()
}

// Flusher triggers an immediate relay pass after a commit.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}
