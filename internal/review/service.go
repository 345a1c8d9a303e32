package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/schema"
	"github.com/esgqa/qa-engine/internal/shared"
)

// StatusService is the slice of qastatus.Service a review needs.
type StatusService interface {
	GetDataset(ctx context.Context, dataID string) (qastatus.Dataset, error)
	ListDataPoints(ctx context.Context, dataID string) ([]qastatus.DataPoint, error)
	PreapprovedDataPoints(ctx context.Context, dataID string) ([]string, error)
	ChangeDatasetStatusTx(ctx context.Context, tx qastatus.TxRepository, in qastatus.ChangeInput) ([]messaging.QaStatusChange, error)
	SetDataPointStatusesTx(ctx context.Context, tx qastatus.TxRepository, dataID string, statuses map[string]qastatus.QaStatus) error
	Committed(ctx context.Context, triples ...qastatus.Triple)
}

// ReportSource resolves QA reports referenced by decisions.
type ReportSource interface {
	Get(ctx context.Context, qaReportID string) (qareports.Report, error)
	Candidates(ctx context.Context, dims qareports.DataPointDimensions) ([]qareports.Report, error)
}

// Notifier receives the outcome of every finished review.
type Notifier interface {
	ReviewFinished(ctx context.Context, outcome Outcome) error
}

// Config carries the collaborators of Service. Locker, Notifier, Audit and
// Logger may be nil.
type Config struct {
	Status   StatusService
	Reports  ReportSource
	Registry *schema.Registry
	Locker   shared.Locker
	Notifier Notifier
	Audit    shared.AuditRecorder
	Logger   *slog.Logger
}

// Service drives dataset reviews.
type Service struct {
	repo     Repository
	status   StatusService
	reports  ReportSource
	registry *schema.Registry
	locker   shared.Locker
	notifier Notifier
	audit    shared.AuditRecorder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, cfg Config) *Service {
	audit := cfg.Audit
	if audit == nil {
		audit = shared.NopAudit{}
	}
	return &Service{
		repo:     repo,
		status:   cfg.Status,
		reports:  cfg.Reports,
		registry: cfg.Registry,
		locker:   cfg.Locker,
		notifier: cfg.Notifier,
		audit:    audit,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("github.com/esgqa/qa-engine/internal/review"),
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Start opens a Pending review of datasetID owned by reviewerUserID.
func (s *Service) Start(ctx context.Context, datasetID, reviewerUserID string) (DatasetReview, error) {
	if strings.TrimSpace(reviewerUserID) == "" {
		return DatasetReview{}, shared.InvalidInput("reviewer is required")
	}
	ds, err := s.status.GetDataset(ctx, datasetID)
	if err != nil {
		return DatasetReview{}, err
	}
	preapproved, err := s.status.PreapprovedDataPoints(ctx, datasetID)
	if err != nil {
		return DatasetReview{}, err
	}
	rev := NewDatasetReview(uuid.NewString(), ds, reviewerUserID, preapproved, s.now().UTC())

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, found, err := tx.PendingReview(ctx, datasetID)
		if err != nil {
			return err
		}
		if found {
			return shared.Conflict("dataset %s already has pending review %s", datasetID, existing.DataSetReviewID)
		}
		return tx.InsertReview(ctx, rev)
	})
	if err != nil {
		return DatasetReview{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID: reviewerUserID, Action: shared.AuditReviewStarted, Entity: "dataset_review", EntityID: rev.DataSetReviewID,
		Meta: map[string]any{"datasetId": datasetID}, At: rev.CreatedAt,
	})
	s.log().Info("review started",
		slog.String("review_id", rev.DataSetReviewID),
		slog.String("dataset_id", datasetID),
		slog.Int("preapproved", len(preapproved)))
	return rev, nil
}

// AcceptDataPoint records the source chosen for one data point type.
func (s *Service) AcceptDataPoint(ctx context.Context, in AcceptInput) (DatasetReview, error) {
	if !in.Source.Valid() {
		return DatasetReview{}, shared.InvalidInput("unknown source %q", in.Source)
	}
	if in.DataPointType == "" {
		return DatasetReview{}, shared.InvalidInput("dataPointType is required")
	}
	rev, err := s.owned(ctx, in.ReviewID, in.ActorID)
	if err != nil {
		return DatasetReview{}, err
	}
	release, err := s.lockReview(ctx, rev.DatasetID)
	if err != nil {
		return DatasetReview{}, err
	}
	defer release()

	ds, err := s.status.GetDataset(ctx, rev.DatasetID)
	if err != nil {
		return DatasetReview{}, err
	}
	points, err := s.status.ListDataPoints(ctx, rev.DatasetID)
	if err != nil {
		return DatasetReview{}, err
	}
	var original *qastatus.DataPoint
	for i := range points {
		if points[i].DataPointType == in.DataPointType {
			original = &points[i]
			break
		}
	}
	if original == nil {
		return DatasetReview{}, shared.InvalidInput("dataset %s has no data point %s", ds.DataID, in.DataPointType)
	}
	decision, err := s.resolveDecision(ctx, ds, *original, in)
	if err != nil {
		return DatasetReview{}, err
	}

	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetReviewForUpdate(ctx, in.ReviewID)
		if err != nil {
			return err
		}
		if err := current.Decide(in.DataPointType, decision, now); err != nil {
			return err
		}
		if err := tx.SaveReview(ctx, current); err != nil {
			return err
		}
		rev = current
		return nil
	})
	if err != nil {
		return DatasetReview{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID: in.ActorID, Action: shared.AuditReviewDecided, Entity: "dataset_review", EntityID: rev.DataSetReviewID,
		Meta: map[string]any{"dataPointType": in.DataPointType, "source": string(decision.Source), "ref": decision.Ref},
		At:   now,
	})
	s.log().Info("review decision recorded",
		slog.String("review_id", rev.DataSetReviewID),
		slog.String("data_point_type", in.DataPointType),
		slog.String("source", string(decision.Source)))
	return rev, nil
}

func (s *Service) resolveDecision(ctx context.Context, ds qastatus.Dataset, original qastatus.DataPoint, in AcceptInput) (Decision, error) {
	switch in.Source {
	case SourceOriginal:
		if in.Ref != "" && in.Ref != original.DataPointID {
			return Decision{}, shared.InvalidInput("data point %s does not belong to %s/%s", in.Ref, ds.DataID, in.DataPointType)
		}
		return Decision{Source: SourceOriginal, Ref: original.DataPointID}, nil
	case SourceQa:
		if in.Ref == "" {
			return Decision{}, shared.InvalidInput("qa decision requires a report id")
		}
		rep, err := s.reports.Get(ctx, in.Ref)
		if errors.Is(err, shared.ErrNotFound) {
			return Decision{}, shared.InvalidInput("qa report %s does not exist", in.Ref)
		}
		if err != nil {
			return Decision{}, err
		}
		if !rep.Active {
			return Decision{}, shared.InvalidInput("qa report %s has been retracted", in.Ref)
		}
		if !rep.Dimensions.Matches(ds.Triple, in.DataPointType) {
			return Decision{}, shared.InvalidInput("qa report %s covers %s/%s/%s, not this data point",
				rep.QaReportID, rep.Dimensions.CompanyID, rep.Dimensions.DataPointType, rep.Dimensions.ReportingPeriod)
		}
		if rep.DataType != "" && rep.DataType != ds.Triple.DataType {
			return Decision{}, shared.InvalidInput("qa report %s belongs to framework %s", rep.QaReportID, rep.DataType)
		}
		return Decision{Source: SourceQa, Ref: rep.QaReportID, Report: &rep}, nil
	case SourceCustom:
		if strings.TrimSpace(in.Ref) == "" {
			return Decision{}, shared.InvalidInput("custom decision requires a value")
		}
		value := in.Ref
		if s.registry != nil {
			normalized, err := s.registry.NormalizeValue(ds.Triple.DataType, in.DataPointType, in.Ref)
			if err != nil {
				return Decision{}, err
			}
			value = normalized
		}
		return Decision{Source: SourceCustom, Ref: value}, nil
	}
	return Decision{}, shared.InvalidInput("unknown source %q", in.Source)
}

// Finish closes the review and applies its decisions. It fails with an
// IncompleteReviewError, leaving the review Pending, while any data point
// type of the dataset is undecided.
func (s *Service) Finish(ctx context.Context, reviewID, actorID string) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "review.finish", trace.WithAttributes(attribute.String("review.id", reviewID)))
	defer span.End()

	outcome, err := s.finish(ctx, reviewID, actorID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	return outcome, nil
}

func (s *Service) finish(ctx context.Context, reviewID, actorID string) (Outcome, error) {
	rev, err := s.owned(ctx, reviewID, actorID)
	if err != nil {
		return Outcome{}, err
	}
	release, err := s.lockReview(ctx, rev.DatasetID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	ds, err := s.status.GetDataset(ctx, rev.DatasetID)
	if err != nil {
		return Outcome{}, err
	}
	points, err := s.status.ListDataPoints(ctx, rev.DatasetID)
	if err != nil {
		return Outcome{}, err
	}
	byType := make(map[string]qastatus.DataPoint, len(points))
	scope := make([]string, 0, len(points))
	for _, dp := range points {
		byType[dp.DataPointType] = dp
		scope = append(scope, dp.DataPointType)
	}
	sort.Strings(scope)
	if err := s.checkReportsActive(ctx, rev); err != nil {
		return Outcome{}, err
	}

	now := s.now().UTC()
	var (
		finished DatasetReview
		messages []messaging.QaStatusChange
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetReviewForUpdate(ctx, reviewID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return shared.Conflict("review %s is %s", reviewID, current.Status)
		}
		if undecided := current.Undecided(scope); len(undecided) > 0 {
			return &shared.IncompleteReviewError{Undecided: undecided}
		}
		resolved := make([]ResolvedDataPoint, 0, len(scope))
		statuses := make(map[string]qastatus.QaStatus, len(scope))
		for _, t := range scope {
			d, _ := current.Decision(t)
			rp := resolve(t, d, byType[t])
			resolved = append(resolved, rp)
			statuses[t] = rp.QaStatus
		}
		if err := s.status.SetDataPointStatusesTx(ctx, tx, ds.DataID, statuses); err != nil {
			return err
		}
		if err := current.Finish(scope, resolved, now); err != nil {
			return err
		}
		if err := tx.SaveReview(ctx, current); err != nil {
			return err
		}
		messages, err = s.status.ChangeDatasetStatusTx(ctx, tx, qastatus.ChangeInput{
			DataID:     ds.DataID,
			Status:     qastatus.StatusAccepted,
			ReviewerID: current.ReviewerUserID,
			Comment:    "review " + reviewID + " finished",
		})
		if err != nil {
			return err
		}
		finished = current
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	s.status.Committed(ctx, ds.Triple)
	outcome := outcomeOf(finished)
	outcome.StatusChanges = messages
	if s.notifier != nil {
		if err := s.notifier.ReviewFinished(ctx, outcome); err != nil {
			s.log().Error("review notification", slog.String("review_id", reviewID), slog.Any("error", err))
		}
	}
	s.record(ctx, shared.AuditLog{
		ActorID: actorID, Action: shared.AuditReviewFinished, Entity: "dataset_review", EntityID: reviewID,
		Meta: map[string]any{"datasetId": ds.DataID, "dataPoints": len(outcome.DataPoints)}, At: now,
	})
	s.log().Info("review finished",
		slog.String("review_id", reviewID),
		slog.String("dataset_id", ds.DataID),
		slog.Int("status_changes", len(messages)))
	return outcome, nil
}

// checkReportsActive refuses to finish on a report that was retracted after
// it was chosen.
func (s *Service) checkReportsActive(ctx context.Context, rev DatasetReview) error {
	var stale []string
	for t, id := range rev.ApprovedQaReportIDs {
		rep, err := s.reports.Get(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			stale = append(stale, t)
			continue
		}
		if err != nil {
			return err
		}
		if !rep.Active {
			stale = append(stale, t)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		return shared.Conflict("qa reports chosen for %s were retracted; decide again", strings.Join(stale, ", "))
	}
	return nil
}

// Abort cancels a Pending review. Statuses and messages are untouched.
func (s *Service) Abort(ctx context.Context, reviewID, actorID, reason string) (DatasetReview, error) {
	rev, err := s.owned(ctx, reviewID, actorID)
	if err != nil {
		return DatasetReview{}, err
	}
	release, err := s.lockReview(ctx, rev.DatasetID)
	if err != nil {
		return DatasetReview{}, err
	}
	defer release()

	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetReviewForUpdate(ctx, reviewID)
		if err != nil {
			return err
		}
		if err := current.Abort(reason, now); err != nil {
			return err
		}
		if err := tx.SaveReview(ctx, current); err != nil {
			return err
		}
		rev = current
		return nil
	})
	if err != nil {
		return DatasetReview{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID: actorID, Action: shared.AuditReviewAborted, Entity: "dataset_review", EntityID: reviewID,
		Meta: map[string]any{"reason": reason}, At: now,
	})
	s.log().Info("review aborted", slog.String("review_id", reviewID))
	return rev, nil
}

// Get returns one review.
func (s *Service) Get(ctx context.Context, reviewID string) (DatasetReview, error) {
	return s.repo.Get(ctx, reviewID)
}

// ListByDataset returns every review of a dataset, oldest first.
func (s *Service) ListByDataset(ctx context.Context, datasetID string) ([]DatasetReview, error) {
	if datasetID == "" {
		return nil, shared.InvalidInput("datasetId is required")
	}
	return s.repo.ListByDataset(ctx, datasetID)
}

// Candidates lists the active QA reports a reviewer can pick for one type.
func (s *Service) Candidates(ctx context.Context, reviewID, dataPointType string) ([]qareports.Report, error) {
	rev, err := s.repo.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	return s.reports.Candidates(ctx, qareports.DataPointDimensions{
		CompanyID:       rev.CompanyID,
		DataPointType:   dataPointType,
		ReportingPeriod: rev.ReportingPeriod,
	})
}

// Outcome returns the resolved values of a finished review.
func (s *Service) Outcome(ctx context.Context, reviewID string) (Outcome, error) {
	rev, err := s.repo.Get(ctx, reviewID)
	if err != nil {
		return Outcome{}, err
	}
	if rev.Status != StatusFinished {
		return Outcome{}, shared.Conflict("review %s is %s", reviewID, rev.Status)
	}
	return outcomeOf(rev), nil
}

func outcomeOf(rev DatasetReview) Outcome {
	out := Outcome{
		ReviewID:       rev.DataSetReviewID,
		DatasetID:      rev.DatasetID,
		Triple:         rev.Triple(),
		ReviewerUserID: rev.ReviewerUserID,
		DataPoints:     append([]ResolvedDataPoint(nil), rev.Resolved...),
	}
	if rev.ClosedAt != nil {
		out.FinishedAt = *rev.ClosedAt
	}
	return out
}

// owned loads a review and checks that actorID is its reviewer.
func (s *Service) owned(ctx context.Context, reviewID, actorID string) (DatasetReview, error) {
	if actorID == "" {
		return DatasetReview{}, shared.InvalidInput("actor is required")
	}
	rev, err := s.repo.Get(ctx, reviewID)
	if err != nil {
		return DatasetReview{}, err
	}
	if rev.ReviewerUserID != actorID {
		return DatasetReview{}, shared.Conflict("review %s belongs to %s", reviewID, rev.ReviewerUserID)
	}
	if rev.Status.Terminal() {
		return DatasetReview{}, shared.Conflict("review %s is %s", reviewID, rev.Status)
	}
	return rev, nil
}

func (s *Service) lockReview(ctx context.Context, datasetID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.TryLock(ctx, shared.ReviewLockKey(datasetID))
	if errors.Is(err, shared.ErrLockHeld) {
		return nil, shared.Conflict("review of dataset %s is being modified", datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock review of %s: %w", datasetID, err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release review lock", slog.String("dataset_id", datasetID), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log().Error("audit record", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "review"))
}
