package qareports

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/schema"
	"github.com/esgqa/qa-engine/internal/shared"
)

// DataPointResolver finds the dataset and data point a report addresses.
type DataPointResolver interface {
	ResolveDataPoint(ctx context.Context, dataID, dataPointType string) (qastatus.Dataset, qastatus.DataPoint, error)
}

// Service manages QA reports.
type Service struct {
	repo     Repository
	resolver DataPointResolver
	registry *schema.Registry
	audit    shared.AuditRecorder
	flusher  messaging.Flusher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service. registry may be nil.
func NewService(repo Repository, resolver DataPointResolver, registry *schema.Registry, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	return &Service{
		repo:     repo,
		resolver: resolver,
		registry: registry,
		audit:    audit,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetFlusher wires the outbox relay.
func (s *Service) SetFlusher(f messaging.Flusher) {
	s.flusher = f
}

// Submit validates and appends a report, then announces it as an automated
// QA result for the data point. Invalid reports are never persisted.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Report, error) {
	if err := in.Validate(); err != nil {
		return Report{}, err
	}
	ds, dp, err := s.resolver.ResolveDataPoint(ctx, in.DataID, in.DataPointType)
	if err != nil {
		if errors.Is(err, qastatus.ErrDataPointNotFound) {
			return Report{}, shared.InvalidInput("dataset %s has no data point %s", in.DataID, in.DataPointType)
		}
		return Report{}, err
	}
	if err := s.registry.CheckType(ds.Triple.DataType, in.DataPointType); err != nil {
		return Report{}, err
	}
	var corrected *string
	if in.CorrectedData != nil {
		v, err := s.registry.NormalizeValue(ds.Triple.DataType, in.DataPointType, *in.CorrectedData)
		if err != nil {
			return Report{}, err
		}
		corrected = &v
	}

	now := s.now().UTC()
	rep := Report{
		QaReportID: uuid.NewString(),
		DataID:     ds.DataID,
		DataType:   ds.Triple.DataType,
		Dimensions: DataPointDimensions{
			CompanyID:       ds.Triple.CompanyID,
			DataPointType:   dp.DataPointType,
			ReportingPeriod: ds.Triple.ReportingPeriod,
		},
		ReporterUserID: in.ReporterUserID,
		UploadTime:     now,
		Active:         true,
		Comment:        in.Comment,
		Verdict:        in.Verdict,
		CorrectedData:  corrected,
	}

	msg := messaging.AutomatedQaCompleted{
		ResourceID: dp.DataPointID,
		ReviewerID: in.ReporterUserID,
		BypassQa:   false,
		Comment:    in.Comment,
	}
	if status, ok := in.Verdict.QaStatus(); ok {
		st := string(status)
		msg.QaStatus = &st
	}
	env, err := messaging.NewEnvelope(msg, messaging.ActionPublish, ds.DataID, now)
	if err != nil {
		return Report{}, err
	}
	env.CorrelationID = rep.QaReportID

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.Insert(ctx, rep); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, env)
	})
	if err != nil {
		return Report{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID: in.ReporterUserID, Action: shared.AuditReportSubmitted, Entity: "qa_report", EntityID: rep.QaReportID,
		Meta: map[string]any{"dataId": rep.DataID, "dataPointType": rep.Dimensions.DataPointType, "verdict": string(rep.Verdict)},
		At:   now,
	})
	s.log().Info("qa report submitted",
		slog.String("qa_report_id", rep.QaReportID),
		slog.String("dataset_id", rep.DataID),
		slog.String("verdict", string(rep.Verdict)))
	s.flush(ctx)
	return rep, nil
}

// Get returns one report, retracted or not.
func (s *Service) Get(ctx context.Context, qaReportID string) (Report, error) {
	return s.repo.Get(ctx, qaReportID)
}

// List returns the full history for dims ordered by upload time.
func (s *Service) List(ctx context.Context, dims DataPointDimensions) ([]Report, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, ListFilter{Dimensions: dims})
}

// Candidates returns the active reports for dims, deduplicated by id and
// ordered oldest first. Reviewers pick from this list explicitly.
func (s *Service) Candidates(ctx context.Context, dims DataPointDimensions) ([]Report, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	reports, err := s.repo.List(ctx, ListFilter{Dimensions: dims, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(reports))
	out := reports[:0]
	for _, rep := range reports {
		if !rep.Active {
			continue
		}
		if _, dup := seen[rep.QaReportID]; dup {
			continue
		}
		seen[rep.QaReportID] = struct{}{}
		out = append(out, rep)
	}
	return out, nil
}

// Retract marks a report inactive. Retracting twice is a no-op.
func (s *Service) Retract(ctx context.Context, qaReportID, actorID string) (Report, error) {
	if actorID == "" {
		return Report{}, shared.InvalidInput("actor is required")
	}
	var (
		rep     Report
		changed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		rep, err = tx.GetForUpdate(ctx, qaReportID)
		if err != nil {
			return err
		}
		if !rep.Active {
			return nil
		}
		if err := tx.Deactivate(ctx, qaReportID); err != nil {
			return err
		}
		rep.Active = false
		changed = true
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	if changed {
		s.record(ctx, shared.AuditLog{
			ActorID: actorID, Action: shared.AuditReportRetracted, Entity: "qa_report", EntityID: qaReportID,
			Meta: map[string]any{"dataId": rep.DataID}, At: s.now().UTC(),
		})
		s.log().Info("qa report retracted", slog.String("qa_report_id", qaReportID))
	}
	return rep, nil
}

func (s *Service) record(ctx context.Context, entry shared.AuditLog) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log().Error("audit record", slog.String("action", entry.Action), slog.Any("error", err))
	}
}

func (s *Service) flush(ctx context.Context) {
	if s.flusher == nil {
		return
	}
	if _, err := s.flusher.Flush(ctx); err != nil {
		s.log().Warn("outbox flush deferred", slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "qareports"))
}
