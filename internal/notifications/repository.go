package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Repository exposes elementary event persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListEvents(ctx context.Context, companyID string) ([]ElementaryEvent, error)
	// PendingScopes lists scopes with unnotified events or undispatched
	// notifications.
	PendingScopes(ctx context.Context) ([]Scope, error)
	GetNotification(ctx context.Context, id uuid.UUID) (NotificationEvent, error)
	// PendingDispatches returns the committed notifications of scope whose
	// send task is not queued yet, oldest first.
	PendingDispatches(ctx context.Context, scope Scope) ([]Notification, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordDispatchFailure(ctx context.Context, id uuid.UUID, reason string) error
}

// TxRepository is used inside a transaction.
type TxRepository interface {
	InsertEvent(ctx context.Context, e ElementaryEvent) error
	// LockScope serialises bundling of one company and event type.
	LockScope(ctx context.Context, scope Scope) error
	// FindUnnotified returns the events of scope whose notification is still
	// null, oldest first.
	FindUnnotified(ctx context.Context, scope Scope) ([]ElementaryEvent, error)
	// InsertNotification stores n together with the payload its send task
	// will carry.
	InsertNotification(ctx context.Context, n NotificationEvent, payload Notification) error
	// MarkNotified sets the notification of the given events that are still
	// unnotified and returns how many rows it touched.
	MarkNotified(ctx context.Context, notificationID uuid.UUID, eventIDs []uuid.UUID) (int64, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*pgRepository)(nil)

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockedTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

const eventColumns = `id, event_type, company_id, framework, reporting_period, data_id, created_at, notification_event_id`

func scanEvents(rows pgx.Rows) ([]ElementaryEvent, error) {
	defer rows.Close()
	var out []ElementaryEvent
	for rows.Next() {
		var (
			e   ElementaryEvent
			typ string
		)
		if err := rows.Scan(&e.ID, &typ, &e.CompanyID, &e.Framework, &e.ReportingPeriod, &e.DataID, &e.CreatedAt, &e.NotificationEventID); err != nil {
			return nil, shared.ClassifyStoreError(err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

func (r *pgRepository) ListEvents(ctx context.Context, companyID string) ([]ElementaryEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM elementary_events
		WHERE company_id = $1 ORDER BY created_at, id`, companyID)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	return scanEvents(rows)
}

func (r *pgRepository) PendingScopes(ctx context.Context) ([]Scope, error) {
	rows, err := r.pool.Query(ctx, `SELECT company_id, event_type FROM elementary_events
		WHERE notification_event_id IS NULL
		UNION
		SELECT company_id, event_type FROM notification_events WHERE dispatched_at IS NULL
		ORDER BY company_id, event_type`)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []Scope
	for rows.Next() {
		var (
			s   Scope
			typ string
		)
		if err := rows.Scan(&s.CompanyID, &typ); err != nil {
			return nil, shared.ClassifyStoreError(err)
		}
		s.Type = EventType(typ)
		out = append(out, s)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

func (r *pgRepository) GetNotification(ctx context.Context, id uuid.UUID) (NotificationEvent, error) {
	var (
		n   NotificationEvent
		typ string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, event_type, event_ids, created_at, dispatched_at
		FROM notification_events WHERE id = $1`, id).Scan(&n.ID, &n.CompanyID, &typ, &n.EventIDs, &n.CreatedAt, &n.DispatchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotificationEvent{}, shared.NotFound("notification event %s", id)
	}
	if err != nil {
		return NotificationEvent{}, shared.ClassifyStoreError(err)
	}
	n.Type = EventType(typ)
	return n, nil
}

func (r *pgRepository) PendingDispatches(ctx context.Context, scope Scope) ([]Notification, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, payload FROM notification_events
		WHERE company_id = $1 AND event_type = $2 AND dispatched_at IS NULL
		ORDER BY created_at, id`, scope.CompanyID, string(scope.Type))
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var (
			id  uuid.UUID
			raw []byte
			n   Notification
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, shared.ClassifyStoreError(err)
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode notification %s payload: %w", id, err)
		}
		out = append(out, n)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

func (r *pgRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE notification_events SET dispatched_at = $2, last_error = NULL
		WHERE id = $1 AND dispatched_at IS NULL`, id, at)
	return shared.ClassifyStoreError(err)
}

func (r *pgRepository) RecordDispatchFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `UPDATE notification_events
		SET dispatch_attempts = dispatch_attempts + 1, last_error = $2
		WHERE id = $1`, id, reason)
	return shared.ClassifyStoreError(err)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertEvent(ctx context.Context, e ElementaryEvent) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO elementary_events (id, event_type, company_id, framework, reporting_period, data_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, string(e.Type), e.CompanyID, e.Framework, e.ReportingPeriod, e.DataID, e.CreatedAt)
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) LockScope(ctx context.Context, scope Scope) error {
	return db.AdvisoryXactLock(ctx, t.tx, shared.EventLockKey(scope.CompanyID, string(scope.Type)))
}

func (t *pgTx) FindUnnotified(ctx context.Context, scope Scope) ([]ElementaryEvent, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+eventColumns+` FROM elementary_events
		WHERE company_id = $1 AND event_type = $2 AND notification_event_id IS NULL
		ORDER BY created_at, id FOR UPDATE`, scope.CompanyID, string(scope.Type))
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	return scanEvents(rows)
}

func (t *pgTx) InsertNotification(ctx context.Context, n NotificationEvent, payload Notification) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification %s payload: %w", n.ID, err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO notification_events (id, company_id, event_type, event_ids, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, n.ID, n.CompanyID, string(n.Type), n.EventIDs, raw, n.CreatedAt)
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) MarkNotified(ctx context.Context, notificationID uuid.UUID, eventIDs []uuid.UUID) (int64, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE elementary_events SET notification_event_id = $1
		WHERE id = ANY($2) AND notification_event_id IS NULL`, notificationID, eventIDs)
	if err != nil {
		return 0, shared.ClassifyStoreError(err)
	}
	return tag.RowsAffected(), nil
}
