package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Dispatcher hands a notification to the delivery system.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// DatasetLookup resolves the triple of notices that only carry a dataId.
type DatasetLookup interface {
	GetDataset(ctx context.Context, dataID string) (qastatus.Dataset, error)
}

// RecipientPolicy decides who receives company notifications.
type RecipientPolicy interface {
	ForCompany(ctx context.Context, companyID string) (Recipients, error)
}

// StaticRecipients sends every company notification to the same addresses.
type StaticRecipients []string

// ForCompany implements RecipientPolicy.
func (s StaticRecipients) ForCompany(context.Context, string) (Recipients, error) {
	out := make(Recipients, 0, len(s))
	for _, addr := range s {
		out = append(out, EmailAddress{Email: addr})
	}
	return out, nil
}

// Config wires a Service. Enabled mirrors the notification feature flag.
type Config struct {
	Enabled    bool
	Dispatcher Dispatcher
	Datasets   DatasetLookup
	Recipients RecipientPolicy
	Locker     shared.Locker
	Logger     *slog.Logger
}

// Service records elementary events and bundles them into notifications.
type Service struct {
	repo       Repository
	enabled    bool
	dispatcher Dispatcher
	datasets   DatasetLookup
	recipients RecipientPolicy
	locker     shared.Locker
	logger     *slog.Logger
	validate   *validator.Validate
	now        func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, cfg Config) *Service {
	recipients := cfg.Recipients
	if recipients == nil {
		recipients = StaticRecipients(nil)
	}
	return &Service{
		repo:       repo,
		enabled:    cfg.Enabled,
		dispatcher: cfg.Dispatcher,
		datasets:   cfg.Datasets,
		recipients: recipients,
		locker:     cfg.Locker,
		logger:     cfg.Logger,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Enabled reports the feature flag.
func (s *Service) Enabled() bool { return s.enabled }

// Record persists the event described by notice and, when the feature flag is
// on, bundles it with earlier unnotified events of the same company and type.
// A failed bundle or dispatch is logged; the next event of the scope or the
// backfill picks the work up again.
func (s *Service) Record(ctx context.Context, notice UploadNotice) (ElementaryEvent, *NotificationEvent, error) {
	event, err := s.newEvent(ctx, notice)
	if err != nil {
		return ElementaryEvent{}, nil, err
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertEvent(ctx, event)
	}); err != nil {
		return ElementaryEvent{}, nil, err
	}
	s.log().Info("elementary event recorded",
		slog.String("company_id", event.CompanyID),
		slog.String("event_type", string(event.Type)),
		slog.String("event_id", event.ID.String()))
	if !s.enabled {
		return event, nil, nil
	}

	notification, err := s.Bundle(ctx, event.CompanyID, event.Type)
	if err != nil {
		s.log().Warn("notification deferred",
			slog.String("company_id", event.CompanyID),
			slog.String("event_type", string(event.Type)),
			slog.Any("error", err))
	}
	if notification != nil {
		for _, id := range notification.EventIDs {
			if id == event.ID {
				nid := notification.ID
				event.NotificationEventID = &nid
				break
			}
		}
	}
	return event, notification, nil
}

func (s *Service) newEvent(ctx context.Context, notice UploadNotice) (ElementaryEvent, error) {
	if err := s.validate.Struct(notice); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return ElementaryEvent{}, shared.InvalidInput("upload notice: %s is %s", verrs[0].Field(), verrs[0].Tag())
		}
		return ElementaryEvent{}, shared.InvalidInput("upload notice: %v", err)
	}
	eventType, err := notice.ActionType.EventType()
	if err != nil {
		return ElementaryEvent{}, err
	}
	event := ElementaryEvent{
		ID:              uuid.New(),
		Type:            eventType,
		CompanyID:       normalizeKey(notice.CompanyID),
		Framework:       normalizeKey(notice.DataType),
		ReportingPeriod: normalizeKey(notice.ReportingPeriod),
		DataID:          notice.DataID,
		CreatedAt:       s.now().UTC(),
	}
	if event.CompanyID == "" || event.Framework == "" || event.ReportingPeriod == "" {
		if s.datasets == nil {
			return ElementaryEvent{}, shared.InvalidInput("upload notice %s carries no triple", notice.DataID)
		}
		ds, err := s.datasets.GetDataset(ctx, notice.DataID)
		if err != nil {
			return ElementaryEvent{}, err
		}
		event.CompanyID = normalizeKey(ds.Triple.CompanyID)
		event.Framework = normalizeKey(ds.Triple.DataType)
		event.ReportingPeriod = normalizeKey(ds.Triple.ReportingPeriod)
	}
	return event, nil
}

// Bundle groups every unnotified event of one company and type into a new
// notification. The notification row, the event marks and the send payload
// commit together; the send task is queued after commit with the
// notification id as task id. A notification whose dispatch fails stays
// pending and is queued again by the next Bundle of its scope or by
// Backfill. Bundle returns the notification it created, if any, even when
// dispatching failed.
func (s *Service) Bundle(ctx context.Context, companyID string, eventType EventType) (*NotificationEvent, error) {
	if s.dispatcher == nil {
		return nil, fmt.Errorf("notifications: dispatcher not configured")
	}
	scope := Scope{CompanyID: companyID, Type: eventType}
	release, err := s.lockScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()

	var created *NotificationEvent
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockScope(ctx, scope); err != nil {
			return err
		}
		events, err := tx.FindUnnotified(ctx, scope)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		n := NotificationEvent{
			ID:        uuid.New(),
			CompanyID: companyID,
			Type:      eventType,
			EventIDs:  make([]uuid.UUID, len(events)),
			CreatedAt: s.now().UTC(),
		}
		for i, e := range events {
			n.EventIDs[i] = e.ID
		}
		recipients, err := s.recipients.ForCompany(ctx, companyID)
		if err != nil {
			return err
		}
		payload := Notification{
			NotificationID: n.ID,
			Recipients:     recipients,
			Content:        TypedEmailContent{summarize(eventType, companyID, events)},
		}
		if err := tx.InsertNotification(ctx, n, payload); err != nil {
			return err
		}
		marked, err := tx.MarkNotified(ctx, n.ID, n.EventIDs)
		if err != nil {
			return err
		}
		if marked != int64(len(n.EventIDs)) {
			return shared.Conflict("%s: %d of %d events were already notified", scope, int64(len(n.EventIDs))-marked, len(n.EventIDs))
		}
		created = &n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		s.log().Info("notification bundled",
			slog.String("company_id", companyID),
			slog.String("event_type", string(eventType)),
			slog.String("notification_id", created.ID.String()),
			slog.Int("events", len(created.EventIDs)))
	}
	return created, s.dispatchPending(ctx, scope)
}

// dispatchPending queues the undispatched notifications of scope in creation
// order and stops at the first failure.
func (s *Service) dispatchPending(ctx context.Context, scope Scope) error {
	pending, err := s.repo.PendingDispatches(ctx, scope)
	if err != nil {
		return err
	}
	for _, n := range pending {
		if err := s.dispatcher.Dispatch(ctx, n); err != nil {
			if recErr := s.repo.RecordDispatchFailure(context.WithoutCancel(ctx), n.NotificationID, err.Error()); recErr != nil {
				s.log().Warn("record dispatch failure",
					slog.String("notification_id", n.NotificationID.String()),
					slog.Any("error", recErr))
			}
			return fmt.Errorf("dispatch notification %s: %w", n.NotificationID, err)
		}
		if err := s.repo.MarkDispatched(ctx, n.NotificationID, s.now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

func summarize(eventType EventType, companyID string, events []ElementaryEvent) EmailContent {
	frameworks := make([]string, 0, len(events))
	periods := make([]string, 0, len(events))
	for _, e := range events {
		frameworks = append(frameworks, e.Framework)
		periods = append(periods, e.ReportingPeriod)
	}
	if eventType == EventNonSourceable {
		return NonSourceableSummary{CompanyID: companyID, Frameworks: distinctSorted(frameworks), ReportingPeriods: distinctSorted(periods)}
	}
	return DatasetUploadSummary{
		CompanyID:        companyID,
		Frameworks:       distinctSorted(frameworks),
		ReportingPeriods: distinctSorted(periods),
		Uploads:          len(events),
	}
}

// Backfill bundles every scope that still has unnotified events or
// undispatched notifications. It is a no-op while the feature flag is off.
// Failed scopes are logged and skipped.
func (s *Service) Backfill(ctx context.Context) (int, error) {
	if !s.enabled {
		return 0, nil
	}
	scopes, err := s.repo.PendingScopes(ctx)
	if err != nil {
		return 0, err
	}
	var (
		bundled  int
		firstErr error
	)
	for _, scope := range scopes {
		n, err := s.Bundle(ctx, scope.CompanyID, scope.Type)
		if n != nil {
			bundled++
		}
		if err != nil {
			s.log().Warn("backfill scope", slog.String("scope", scope.String()), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return bundled, firstErr
}

// ListEvents returns the event history of a company.
func (s *Service) ListEvents(ctx context.Context, companyID string) ([]ElementaryEvent, error) {
	if companyID == "" {
		return nil, shared.InvalidInput("companyId is required")
	}
	return s.repo.ListEvents(ctx, normalizeKey(companyID))
}

func (s *Service) lockScope(ctx context.Context, scope Scope) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Lock(ctx, shared.EventLockKey(scope.CompanyID, string(scope.Type)))
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release event lock", slog.String("scope", scope.String()), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "notifications"))
}
