package qastatus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/shared"
)

// ServiceConfig carries optional collaborators. Zero values are usable.
type ServiceConfig struct {
	Cache   *ActiveCache
	Locker  shared.Locker
	Flusher messaging.Flusher
	Logger  *slog.Logger
}

// Service owns dataset and data point QA status.
type Service struct {
	repo    Repository
	cache   *ActiveCache
	locker  shared.Locker
	flusher messaging.Flusher
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	group   singleflight.Group
}

// NewService constructs a Service.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	return &Service{
		repo:    repo,
		cache:   cfg.Cache,
		locker:  cfg.Locker,
		flusher: cfg.Flusher,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("github.com/esgqa/qa-engine/internal/qastatus"),
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetFlusher wires the outbox relay after construction.
func (s *Service) SetFlusher(f messaging.Flusher) {
	s.flusher = f
}

// GetDataset returns one dataset.
func (s *Service) GetDataset(ctx context.Context, dataID string) (Dataset, error) {
	return s.repo.GetDataset(ctx, dataID)
}

// ListDataPoints returns the data points of a dataset ordered by type.
func (s *Service) ListDataPoints(ctx context.Context, dataID string) ([]DataPoint, error) {
	if _, err := s.repo.GetDataset(ctx, dataID); err != nil {
		return nil, err
	}
	return s.repo.ListDataPoints(ctx, dataID)
}

// ResolveDataPoint returns the dataset and its data point of the given type.
func (s *Service) ResolveDataPoint(ctx context.Context, dataID, dataPointType string) (Dataset, DataPoint, error) {
	ds, err := s.repo.GetDataset(ctx, dataID)
	if err != nil {
		return Dataset{}, DataPoint{}, err
	}
	points, err := s.repo.ListDataPoints(ctx, dataID)
	if err != nil {
		return Dataset{}, DataPoint{}, err
	}
	for _, dp := range points {
		if dp.DataPointType == dataPointType {
			return ds, dp, nil
		}
	}
	return Dataset{}, DataPoint{}, fmt.Errorf("%w: %s has no %s", ErrDataPointNotFound, dataID, dataPointType)
}

// StatusHistory returns the ordered status log of a triple.
func (s *Service) StatusHistory(ctx context.Context, triple Triple) ([]StatusChange, error) {
	return s.repo.StatusHistory(ctx, triple)
}

// ActiveDataset recomputes the active dataset of triple from its status log.
func (s *Service) ActiveDataset(ctx context.Context, triple Triple) (*string, error) {
	if err := triple.Validate(); err != nil {
		return nil, err
	}
	active, hit, gen, err := s.cache.Get(ctx, triple)
	if err != nil {
		s.log().Warn("active cache read", slog.String("triple", triple.Key()), slog.Any("error", err))
	}
	if hit {
		return active, nil
	}
	v, err, _ := s.group.Do(triple.Key(), func() (any, error) {
		history, err := s.repo.StatusHistory(ctx, triple)
		if err != nil {
			return nil, err
		}
		computed := ComputeActiveDataset(history)
		if err := s.cache.Set(ctx, triple, gen, computed); err != nil {
			s.log().Warn("active cache write", slog.String("triple", triple.Key()), slog.Any("error", err))
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*string), nil
}

// RegisterDataset stores a new upload in Pending and requests QA for it.
func (s *Service) RegisterDataset(ctx context.Context, in RegisterInput) (Dataset, error) {
	if err := in.Triple.Validate(); err != nil {
		return Dataset{}, err
	}
	if strings.TrimSpace(in.UploaderUserID) == "" {
		return Dataset{}, shared.InvalidInput("uploaderUserId is required")
	}
	if len(in.DataPoints) == 0 {
		return Dataset{}, shared.InvalidInput("dataset has no data points")
	}
	if in.DataID == "" {
		in.DataID = uuid.NewString()
	}
	now := s.now().UTC()
	ds := Dataset{
		DataID:         in.DataID,
		Triple:         in.Triple,
		UploaderUserID: in.UploaderUserID,
		UploadTime:     now,
		QaStatus:       StatusPending,
	}
	types := make([]string, 0, len(in.DataPoints))
	for t := range in.DataPoints {
		types = append(types, t)
	}
	sort.Strings(types)
	points := make([]DataPoint, 0, len(types))
	for _, t := range types {
		points = append(points, DataPoint{
			DataPointID:   uuid.NewString(),
			DataID:        ds.DataID,
			DataPointType: t,
			Value:         in.DataPoints[t],
			QaStatus:      StatusPending,
		})
	}

	bypass := in.BypassQa
	env, err := messaging.NewEnvelope(messaging.ManualQaRequested{ResourceID: ds.DataID, BypassQa: &bypass},
		messaging.ActionPublish, ds.Triple.Key(), now)
	if err != nil {
		return Dataset{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.InsertDataset(ctx, ds); err != nil {
			return err
		}
		if err := tx.InsertDataPoints(ctx, points); err != nil {
			return err
		}
		if _, err := tx.AppendStatusChange(ctx, StatusChange{
			DataID: ds.DataID, Triple: ds.Triple, Status: StatusPending,
			ReviewerID: in.UploaderUserID, Comment: "uploaded", ChangedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, env)
	})
	if err != nil {
		return Dataset{}, err
	}
	s.log().Info("dataset registered", slog.String("dataset_id", ds.DataID), slog.String("triple", ds.Triple.Key()))
	s.flush(ctx)
	return ds, nil
}

// ChangeDatasetStatus applies in under the triple's mutual-exclusion scope.
// A change to the current status is a no-op and returns no messages.
func (s *Service) ChangeDatasetStatus(ctx context.Context, in ChangeInput) ([]messaging.QaStatusChange, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ds, err := s.repo.GetDataset(ctx, in.DataID)
	if err != nil {
		return nil, err
	}
	release, err := s.lockTriple(ctx, ds.Triple)
	if err != nil {
		return nil, err
	}
	defer release()

	var messages []messaging.QaStatusChange
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var e error
		messages, e = s.ChangeDatasetStatusTx(ctx, tx, in)
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		s.Committed(ctx, ds.Triple)
	}
	return messages, nil
}

// ChangeDatasetStatusTx runs the status change inside a caller-owned
// transaction. Accepting a dataset demotes every other Accepted dataset of the
// triple to Pending; each changed dataset yields one message naming the
// resulting active dataset. Messages are appended to the outbox of tx.
func (s *Service) ChangeDatasetStatusTx(ctx context.Context, tx TxRepository, in ChangeInput) ([]messaging.QaStatusChange, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "qastatus.change_dataset_status", trace.WithAttributes(
		attribute.String("dataset.id", in.DataID),
		attribute.String("qa.status", string(in.Status)),
	))
	defer span.End()

	current, err := tx.GetDataset(ctx, in.DataID)
	if err != nil {
		return nil, err
	}
	// The triple lock is taken before any row lock so concurrent changes of
	// one triple cannot deadlock on each other's dataset rows.
	if err := tx.LockTriple(ctx, current.Triple); err != nil {
		return nil, err
	}
	ds, err := tx.GetDatasetForUpdate(ctx, in.DataID)
	if err != nil {
		return nil, err
	}
	if ds.QaStatus == in.Status {
		return nil, nil
	}
	now := s.now().UTC()

	var demoted []string
	if in.Status == StatusAccepted {
		accepted, err := tx.ListAcceptedDatasets(ctx, ds.Triple)
		if err != nil {
			return nil, err
		}
		for _, other := range accepted {
			if other.DataID == ds.DataID {
				continue
			}
			if err := tx.UpdateDatasetStatus(ctx, other.DataID, StatusPending); err != nil {
				return nil, err
			}
			if _, err := tx.AppendStatusChange(ctx, StatusChange{
				DataID: other.DataID, Triple: ds.Triple, Status: StatusPending,
				ReviewerID: in.ReviewerID, Comment: "superseded by " + ds.DataID, ChangedAt: now,
			}); err != nil {
				return nil, err
			}
			demoted = append(demoted, other.DataID)
		}
	}
	if err := tx.UpdateDatasetStatus(ctx, ds.DataID, in.Status); err != nil {
		return nil, err
	}
	if _, err := tx.AppendStatusChange(ctx, StatusChange{
		DataID: ds.DataID, Triple: ds.Triple, Status: in.Status,
		ReviewerID: in.ReviewerID, Comment: in.Comment, ChangedAt: now,
	}); err != nil {
		return nil, err
	}

	history, err := tx.StatusHistory(ctx, ds.Triple)
	if err != nil {
		return nil, err
	}
	active := ComputeActiveDataset(history)

	messages := make([]messaging.QaStatusChange, 0, len(demoted)+1)
	for _, id := range demoted {
		messages = append(messages, messaging.QaStatusChange{DataID: id, UpdatedQaStatus: string(StatusPending), CurrentlyActiveDataID: active})
	}
	messages = append(messages, messaging.QaStatusChange{DataID: ds.DataID, UpdatedQaStatus: string(in.Status), CurrentlyActiveDataID: active})
	for _, msg := range messages {
		env, err := messaging.NewEnvelope(msg, messaging.ActionUpdate, ds.Triple.Key(), now)
		if err != nil {
			return nil, err
		}
		if err := tx.AppendOutbox(ctx, env); err != nil {
			return nil, err
		}
	}
	s.log().Info("dataset status changed",
		slog.String("dataset_id", ds.DataID),
		slog.String("status", string(in.Status)),
		slog.Int("demoted", len(demoted)))
	return messages, nil
}

// SetDataPointStatusesTx updates data point statuses of one dataset inside tx.
func (s *Service) SetDataPointStatusesTx(ctx context.Context, tx TxRepository, dataID string, statuses map[string]QaStatus) error {
	types := make([]string, 0, len(statuses))
	for t := range statuses {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		status := statuses[t]
		if !status.Valid() {
			return shared.InvalidInput("unknown qa status %q for %s", status, t)
		}
		if err := tx.UpdateDataPointStatus(ctx, dataID, t, status); err != nil {
			return err
		}
	}
	return nil
}

// ChangeDataPointStatuses updates data point statuses in their own transaction.
func (s *Service) ChangeDataPointStatuses(ctx context.Context, dataID string, statuses map[string]QaStatus) error {
	if _, err := s.repo.GetDataset(ctx, dataID); err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.SetDataPointStatusesTx(ctx, tx, dataID, statuses)
	})
}

// RecordSuggestion stores an automated verdict for later presentation.
func (s *Service) RecordSuggestion(ctx context.Context, sg Suggestion) error {
	if !sg.Status.Valid() {
		return shared.InvalidInput("unknown qa status %q", sg.Status)
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = s.now().UTC()
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertSuggestion(ctx, sg)
	})
}

// PreapprovedDataPoints lists data point ids whose latest automated suggestion
// is Accepted. They are presented to reviewers and never applied automatically.
func (s *Service) PreapprovedDataPoints(ctx context.Context, dataID string) ([]string, error) {
	suggestions, err := s.repo.ListSuggestions(ctx, dataID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]QaStatus)
	for _, sg := range suggestions {
		if sg.DataPointID == "" {
			continue
		}
		latest[sg.DataPointID] = sg.Status
	}
	ids := make([]string, 0, len(latest))
	for id, status := range latest {
		if status == StatusAccepted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Committed must be called after a transaction that changed statuses of the
// given triples commits. It invalidates cached active datasets and flushes
// the outbox.
func (s *Service) Committed(ctx context.Context, triples ...Triple) {
	if err := s.cache.Bust(ctx, triples...); err != nil {
		s.log().Warn("active cache bust", slog.Any("error", err))
	}
	s.flush(ctx)
}

func (s *Service) flush(ctx context.Context) {
	if s.flusher == nil {
		return
	}
	if _, err := s.flusher.Flush(ctx); err != nil {
		s.log().Warn("outbox flush deferred", slog.Any("error", err))
	}
}

func (s *Service) lockTriple(ctx context.Context, triple Triple) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Lock(ctx, shared.TripleLockKey(triple.Key()))
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release triple lock", slog.String("triple", triple.Key()), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "qastatus"))
}
