package metadata

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// DatasetLookup resolves datasets that have no metadata row yet.
type DatasetLookup interface {
	GetDataset(ctx context.Context, dataID string) (qastatus.Dataset, error)
}

// Service applies bus messages to the metadata read model. Every operation
// overwrites state, so redelivered messages have no further effect.
type Service struct {
	repo     Repository
	datasets DatasetLookup
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, datasets DatasetLookup, logger *slog.Logger) *Service {
	return &Service{repo: repo, datasets: datasets, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ApplyStatusChange stores the dataset's new status and makes the message's
// currentlyActiveDataId the only active dataset of the triple.
func (s *Service) ApplyStatusChange(ctx context.Context, m messaging.QaStatusChange) error {
	status, err := qastatus.ParseStatus(m.UpdatedQaStatus)
	if err != nil {
		return shared.Rejected("%v", err)
	}
	now := s.now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		meta, err := s.ensure(ctx, tx, m.DataID)
		if err != nil {
			return err
		}
		if err := tx.LockTriple(ctx, meta.Triple); err != nil {
			return err
		}
		meta.QaStatus = status
		meta.UpdatedAt = now
		if err := tx.UpsertMeta(ctx, meta); err != nil {
			return err
		}
		if m.CurrentlyActiveDataID != nil && *m.CurrentlyActiveDataID != m.DataID {
			active, err := s.ensure(ctx, tx, *m.CurrentlyActiveDataID)
			if err != nil {
				return err
			}
			if active.Triple.Key() != meta.Triple.Key() {
				return shared.Rejected("active dataset %s belongs to %s, not %s", active.DataID, active.Triple, meta.Triple)
			}
			if active.UpdatedAt.IsZero() {
				active.UpdatedAt = now
				if err := tx.UpsertMeta(ctx, active); err != nil {
					return err
				}
			}
		}
		return tx.SetActive(ctx, meta.Triple, m.CurrentlyActiveDataID)
	})
	if err != nil {
		return err
	}
	s.log().Info("metadata status applied",
		slog.String("dataset_id", m.DataID),
		slog.String("qa_status", string(status)),
		slog.Any("currently_active", m.CurrentlyActiveDataID))
	return nil
}

// ensure returns the metadata row of dataID, building it from the dataset
// store when it does not exist yet. A freshly built row has a zero UpdatedAt.
func (s *Service) ensure(ctx context.Context, tx TxRepository, dataID string) (MetaInformation, error) {
	meta, err := tx.Get(ctx, dataID)
	if err == nil || !qastatus.IsNotFound(err) {
		return meta, err
	}
	if s.datasets == nil {
		return MetaInformation{}, err
	}
	ds, err := s.datasets.GetDataset(ctx, dataID)
	if err != nil {
		return MetaInformation{}, err
	}
	return MetaInformation{DataID: ds.DataID, Triple: ds.Triple, QaStatus: ds.QaStatus}, nil
}

// ApplyNonSourceable sets or clears the non-sourceable mark of a triple.
func (s *Service) ApplyNonSourceable(ctx context.Context, m messaging.NonSourceable) error {
	info := NonSourceableInfo{
		Triple: qastatus.Triple{
			CompanyID:       strings.TrimSpace(m.CompanyID),
			DataType:        strings.TrimSpace(m.DataType),
			ReportingPeriod: strings.TrimSpace(m.ReportingPeriod),
		},
		IsNonSourceable: m.IsNonSourceable,
		Reason:          m.Reason,
		UpdatedAt:       s.now().UTC(),
	}
	if err := info.Triple.Validate(); err != nil {
		return shared.Rejected("%v", err)
	}
	if !info.IsNonSourceable {
		info.Reason = ""
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockTriple(ctx, info.Triple); err != nil {
			return err
		}
		return tx.UpsertNonSourceable(ctx, info)
	}); err != nil {
		return err
	}
	s.log().Info("non-sourceable mark applied",
		slog.String("triple", info.Triple.Key()),
		slog.Bool("non_sourceable", info.IsNonSourceable))
	return nil
}

// Get returns the metadata row of a dataset.
func (s *Service) Get(ctx context.Context, dataID string) (MetaInformation, error) {
	return s.repo.Get(ctx, dataID)
}

// ActiveDataset returns the dataset flagged currently active for triple.
func (s *Service) ActiveDataset(ctx context.Context, triple qastatus.Triple) (*string, error) {
	if err := triple.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ActiveDataset(ctx, triple)
}

// IsNonSourceable reports whether triple carries the non-sourceable mark.
func (s *Service) IsNonSourceable(ctx context.Context, triple qastatus.Triple) (NonSourceableInfo, error) {
	if err := triple.Validate(); err != nil {
		return NonSourceableInfo{}, err
	}
	info, found, err := s.repo.NonSourceable(ctx, triple)
	if err != nil {
		return NonSourceableInfo{}, err
	}
	if !found {
		return NonSourceableInfo{Triple: triple}, nil
	}
	return info, nil
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default().With(slog.String("component", "metadata"))
}
