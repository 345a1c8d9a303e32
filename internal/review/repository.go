package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// ErrReviewNotFound is returned when no review matches an id.
var ErrReviewNotFound = fmt.Errorf("%w: dataset review", shared.ErrNotFound)

// Repository exposes persistence for dataset reviews.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, reviewID string) (DatasetReview, error)
	ListByDataset(ctx context.Context, datasetID string) ([]DatasetReview, error)
}

// TxRepository joins review writes with the QA status writes of finish so
// both commit together.
type TxRepository interface {
	qastatus.TxRepository
	InsertReview(ctx context.Context, r DatasetReview) error
	GetReviewForUpdate(ctx context.Context, reviewID string) (DatasetReview, error)
	PendingReview(ctx context.Context, datasetID string) (DatasetReview, bool, error)
	SaveReview(ctx context.Context, r DatasetReview) error
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
		return fn(ctx, &pgTx{TxRepository: qastatus.NewTxRepository(tx), tx: tx})
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const reviewColumns = `review_id, dataset_id, company_id, data_type, reporting_period, status,
	reviewer_user_id, preapproved_data_point_ids, resolved, abort_reason, created_at, updated_at, closed_at`

func scanReview(row pgx.Row) (DatasetReview, error) {
	var (
		r        DatasetReview
		status   string
		resolved []byte
	)
	err := row.Scan(&r.DataSetReviewID, &r.DatasetID, &r.CompanyID, &r.DataType, &r.ReportingPeriod, &status,
		&r.ReviewerUserID, &r.PreapprovedDataPointIDs, &resolved, &r.AbortReason, &r.CreatedAt, &r.UpdatedAt, &r.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DatasetReview{}, ErrReviewNotFound
	}
	if err != nil {
		return DatasetReview{}, shared.ClassifyStoreError(err)
	}
	r.Status = Status(status)
	if len(resolved) > 0 {
		if err := json.Unmarshal(resolved, &r.Resolved); err != nil {
			return DatasetReview{}, fmt.Errorf("decode resolved values of %s: %w", r.DataSetReviewID, err)
		}
	}
	r.ensureMaps()
	return r, nil
}

func loadDecisions(ctx context.Context, q querier, r *DatasetReview) error {
	rows, err := q.Query(ctx, `SELECT data_point_type, source, ref, report
		FROM dataset_review_decisions WHERE review_id = $1`, r.DataSetReviewID)
	if err != nil {
		return shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			dataPointType, source, ref string
			report                     []byte
		)
		if err := rows.Scan(&dataPointType, &source, &ref, &report); err != nil {
			return shared.ClassifyStoreError(err)
		}
		switch Source(source) {
		case SourceOriginal:
			r.ApprovedDataPointIDs[dataPointType] = ref
		case SourceCustom:
			r.ApprovedCustomDataPointIDs[dataPointType] = ref
		case SourceQa:
			r.ApprovedQaReportIDs[dataPointType] = ref
			var rep qareports.Report
			if err := json.Unmarshal(report, &rep); err != nil {
				return fmt.Errorf("decode report snapshot %s: %w", ref, err)
			}
			r.QaReports[ref] = rep
		default:
			return fmt.Errorf("review %s: unknown decision source %q", r.DataSetReviewID, source)
		}
	}
	return shared.ClassifyStoreError(rows.Err())
}

func getReview(ctx context.Context, q querier, reviewID string, forUpdate bool) (DatasetReview, error) {
	sql := `SELECT ` + reviewColumns + ` FROM dataset_reviews WHERE review_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	r, err := scanReview(q.QueryRow(ctx, sql, reviewID))
	if err != nil {
		return DatasetReview{}, err
	}
	if err := loadDecisions(ctx, q, &r); err != nil {
		return DatasetReview{}, err
	}
	return r, nil
}

func (r *pgRepository) Get(ctx context.Context, reviewID string) (DatasetReview, error) {
	return getReview(ctx, r.pool, reviewID, false)
}

func (r *pgRepository) ListByDataset(ctx context.Context, datasetID string) ([]DatasetReview, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reviewColumns+` FROM dataset_reviews
		WHERE dataset_id = $1 ORDER BY created_at, review_id`, datasetID)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	var out []DatasetReview
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, rev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	for i := range out {
		if err := loadDecisions(ctx, r.pool, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type pgTx struct {
	qastatus.TxRepository
	tx pgx.Tx
}

// InsertReview relies on the partial unique index over pending reviews of a
// dataset; a concurrent start surfaces as ErrConflict.
func (t *pgTx) InsertReview(ctx context.Context, r DatasetReview) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO dataset_reviews (review_id, dataset_id, company_id, data_type,
		reporting_period, status, reviewer_user_id, preapproved_data_point_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.DataSetReviewID, r.DatasetID, r.CompanyID, r.DataType, r.ReportingPeriod, string(r.Status),
		r.ReviewerUserID, r.PreapprovedDataPointIDs, r.CreatedAt, r.UpdatedAt)
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) GetReviewForUpdate(ctx context.Context, reviewID string) (DatasetReview, error) {
	return getReview(ctx, t.tx, reviewID, true)
}

func (t *pgTx) PendingReview(ctx context.Context, datasetID string) (DatasetReview, bool, error) {
	rev, err := scanReview(t.tx.QueryRow(ctx, `SELECT `+reviewColumns+` FROM dataset_reviews
		WHERE dataset_id = $1 AND status = $2`, datasetID, string(StatusPending)))
	if errors.Is(err, ErrReviewNotFound) {
		return DatasetReview{}, false, nil
	}
	if err != nil {
		return DatasetReview{}, false, err
	}
	return rev, true, nil
}

// SaveReview overwrites the review row and replaces its decisions.
func (t *pgTx) SaveReview(ctx context.Context, r DatasetReview) error {
	resolved, err := json.Marshal(r.Resolved)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE dataset_reviews SET status = $2, resolved = $3, abort_reason = $4,
		updated_at = $5, closed_at = $6 WHERE review_id = $1`,
		r.DataSetReviewID, string(r.Status), resolved, r.AbortReason, r.UpdatedAt, r.ClosedAt)
	if err != nil {
		return shared.ClassifyStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReviewNotFound
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM dataset_review_decisions WHERE review_id = $1`, r.DataSetReviewID); err != nil {
		return shared.ClassifyStoreError(err)
	}

	batch := &pgx.Batch{}
	queue := func(dataPointType string, source Source, ref string, report []byte) {
		batch.Queue(`INSERT INTO dataset_review_decisions (review_id, data_point_type, source, ref, report, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6)`, r.DataSetReviewID, dataPointType, string(source), ref, report, r.UpdatedAt)
	}
	for typ, id := range r.ApprovedDataPointIDs {
		queue(typ, SourceOriginal, id, nil)
	}
	for typ, v := range r.ApprovedCustomDataPointIDs {
		queue(typ, SourceCustom, v, nil)
	}
	for typ, id := range r.ApprovedQaReportIDs {
		snapshot, err := json.Marshal(r.QaReports[id])
		if err != nil {
			return err
		}
		queue(typ, SourceQa, id, snapshot)
	}
	if batch.Len() == 0 {
		return nil
	}
	return shared.ClassifyStoreError(t.tx.SendBatch(ctx, batch).Close())
}
