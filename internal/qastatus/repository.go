package qastatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Repository exposes read access and transactional writes.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetDataset(ctx context.Context, dataID string) (Dataset, error)
	ListDataPoints(ctx context.Context, dataID string) ([]DataPoint, error)
	GetDataPoint(ctx context.Context, dataPointID string) (DataPoint, error)
	StatusHistory(ctx context.Context, triple Triple) ([]StatusChange, error)
	ListSuggestions(ctx context.Context, dataID string) ([]Suggestion, error)
}

// TxRepository exposes the operations that must run inside one transaction.
type TxRepository interface {
	messaging.OutboxWriter

	// LockTriple serialises status changes of one triple until the transaction ends.
	LockTriple(ctx context.Context, triple Triple) error
	GetDataset(ctx context.Context, dataID string) (Dataset, error)
	GetDatasetForUpdate(ctx context.Context, dataID string) (Dataset, error)
	ListAcceptedDatasets(ctx context.Context, triple Triple) ([]Dataset, error)
	InsertDataset(ctx context.Context, ds Dataset) error
	InsertDataPoints(ctx context.Context, points []DataPoint) error
	UpdateDatasetStatus(ctx context.Context, dataID string, status QaStatus) error
	UpdateDataPointStatus(ctx context.Context, dataID, dataPointType string, status QaStatus) error
	AppendStatusChange(ctx context.Context, change StatusChange) (StatusChange, error)
	StatusHistory(ctx context.Context, triple Triple) ([]StatusChange, error)
	InsertSuggestion(ctx context.Context, s Suggestion) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*pgRepository)(nil)

// NewRepository returns a Postgres backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx implements Repository.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockedTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const datasetColumns = `data_id, company_id, data_type, reporting_period, uploader_user_id, upload_time, qa_status`

func scanDataset(row pgx.Row) (Dataset, error) {
	var (
		ds     Dataset
		status string
	)
	err := row.Scan(&ds.DataID, &ds.Triple.CompanyID, &ds.Triple.DataType, &ds.Triple.ReportingPeriod,
		&ds.UploaderUserID, &ds.UploadTime, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dataset{}, ErrDatasetNotFound
	}
	if err != nil {
		return Dataset{}, shared.ClassifyStoreError(err)
	}
	ds.QaStatus = QaStatus(status)
	return ds, nil
}

func getDataset(ctx context.Context, q querier, dataID string, forUpdate bool) (Dataset, error) {
	sql := `SELECT ` + datasetColumns + ` FROM datasets WHERE data_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanDataset(q.QueryRow(ctx, sql, dataID))
}

func statusHistory(ctx context.Context, q querier, triple Triple) ([]StatusChange, error) {
	rows, err := q.Query(ctx, `SELECT seq, data_id, status, reviewer_id, comment, changed_at
FROM qa_status_changes WHERE triple_key = $1 ORDER BY seq`, triple.Key())
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []StatusChange
	for rows.Next() {
		var (
			c      StatusChange
			status string
		)
		if err := rows.Scan(&c.Seq, &c.DataID, &status, &c.ReviewerID, &c.Comment, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.Status = QaStatus(status)
		c.Triple = triple
		out = append(out, c)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

func (r *pgRepository) GetDataset(ctx context.Context, dataID string) (Dataset, error) {
	return getDataset(ctx, r.pool, dataID, false)
}

func (r *pgRepository) ListDataPoints(ctx context.Context, dataID string) ([]DataPoint, error) {
	rows, err := r.pool.Query(ctx, `SELECT data_point_id, data_id, data_point_type, value, qa_status
FROM dataset_data_points WHERE data_id = $1 ORDER BY data_point_type`, dataID)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []DataPoint
	for rows.Next() {
		var (
			dp     DataPoint
			status string
		)
		if err := rows.Scan(&dp.DataPointID, &dp.DataID, &dp.DataPointType, &dp.Value, &status); err != nil {
			return nil, err
		}
		dp.QaStatus = QaStatus(status)
		out = append(out, dp)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

func (r *pgRepository) GetDataPoint(ctx context.Context, dataPointID string) (DataPoint, error) {
	var (
		dp     DataPoint
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT data_point_id, data_id, data_point_type, value, qa_status
FROM dataset_data_points WHERE data_point_id = $1`, dataPointID).
		Scan(&dp.DataPointID, &dp.DataID, &dp.DataPointType, &dp.Value, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return DataPoint{}, ErrDataPointNotFound
	}
	if err != nil {
		return DataPoint{}, shared.ClassifyStoreError(err)
	}
	dp.QaStatus = QaStatus(status)
	return dp, nil
}

func (r *pgRepository) StatusHistory(ctx context.Context, triple Triple) ([]StatusChange, error) {
	return statusHistory(ctx, r.pool, triple)
}

func (r *pgRepository) ListSuggestions(ctx context.Context, dataID string) ([]Suggestion, error) {
	rows, err := r.pool.Query(ctx, `SELECT data_id, COALESCE(data_point_id, ''), status, reviewer_id, comment, created_at
FROM qa_suggestions WHERE data_id = $1 ORDER BY id`, dataID)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []Suggestion
	for rows.Next() {
		var (
			s      Suggestion
			status string
		)
		if err := rows.Scan(&s.DataID, &s.DataPointID, &status, &s.ReviewerID, &s.Comment, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Status = QaStatus(status)
		out = append(out, s)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

type pgTx struct {
	messaging.TxOutbox
	tx pgx.Tx
}

// NewTxRepository binds the transactional operations to tx so other
// packages can run status changes inside their own transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgTx{TxOutbox: messaging.NewTxOutbox(tx), tx: tx}
}

func (t *pgTx) LockTriple(ctx context.Context, triple Triple) error {
	return db.AdvisoryXactLock(ctx, t.tx, "qa-triple:"+triple.Key())
}

func (t *pgTx) GetDataset(ctx context.Context, dataID string) (Dataset, error) {
	return getDataset(ctx, t.tx, dataID, false)
}

func (t *pgTx) GetDatasetForUpdate(ctx context.Context, dataID string) (Dataset, error) {
	return getDataset(ctx, t.tx, dataID, true)
}

func (t *pgTx) ListAcceptedDatasets(ctx context.Context, triple Triple) ([]Dataset, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+datasetColumns+` FROM datasets
WHERE triple_key = $1 AND qa_status = $2 ORDER BY upload_time FOR UPDATE`, triple.Key(), string(StatusAccepted))
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

func (t *pgTx) InsertDataset(ctx context.Context, ds Dataset) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO datasets (data_id, company_id, data_type, reporting_period, triple_key, uploader_user_id, upload_time, qa_status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ds.DataID, ds.Triple.CompanyID, ds.Triple.DataType, ds.Triple.ReportingPeriod, ds.Triple.Key(),
		ds.UploaderUserID, ds.UploadTime, string(ds.QaStatus))
	if err = shared.ClassifyStoreError(err); errors.Is(err, shared.ErrConflict) {
		return ErrDatasetExists
	}
	return err
}

func (t *pgTx) InsertDataPoints(ctx context.Context, points []DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(points))
	for _, dp := range points {
		rows = append(rows, []any{dp.DataPointID, dp.DataID, dp.DataPointType, dp.Value, string(dp.QaStatus)})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"dataset_data_points"},
		[]string{"data_point_id", "data_id", "data_point_type", "value", "qa_status"},
		pgx.CopyFromRows(rows))
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) UpdateDatasetStatus(ctx context.Context, dataID string, status QaStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE datasets SET qa_status = $2 WHERE data_id = $1`, dataID, string(status))
	if err != nil {
		return shared.ClassifyStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDatasetNotFound
	}
	return nil
}

func (t *pgTx) UpdateDataPointStatus(ctx context.Context, dataID, dataPointType string, status QaStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE dataset_data_points SET qa_status = $3 WHERE data_id = $1 AND data_point_type = $2`,
		dataID, dataPointType, string(status))
	if err != nil {
		return shared.ClassifyStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDataPointNotFound, dataID, dataPointType)
	}
	return nil
}

func (t *pgTx) AppendStatusChange(ctx context.Context, change StatusChange) (StatusChange, error) {
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO qa_status_changes (data_id, triple_key, status, reviewer_id, comment, changed_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		change.DataID, change.Triple.Key(), string(change.Status), change.ReviewerID, change.Comment, change.ChangedAt).
		Scan(&change.Seq)
	return change, shared.ClassifyStoreError(err)
}

func (t *pgTx) StatusHistory(ctx context.Context, triple Triple) ([]StatusChange, error) {
	return statusHistory(ctx, t.tx, triple)
}

func (t *pgTx) InsertSuggestion(ctx context.Context, s Suggestion) error {
	var dataPointID *string
	if s.DataPointID != "" {
		dataPointID = &s.DataPointID
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO qa_suggestions (data_id, data_point_id, status, reviewer_id, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, s.DataID, dataPointID, string(s.Status), s.ReviewerID, s.Comment, s.CreatedAt)
	return shared.ClassifyStoreError(err)
}
