package qareports

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/shared"
)

// ErrReportNotFound is returned for unknown report ids.
var ErrReportNotFound = fmt.Errorf("qareports: report: %w", shared.ErrNotFound)

// ListFilter narrows List queries.
type ListFilter struct {
	Dimensions DataPointDimensions
	ActiveOnly bool
}

// Repository persists reports.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, qaReportID string) (Report, error)
	// List returns reports ordered by upload time, then id.
	List(ctx context.Context, filter ListFilter) ([]Report, error)
}

// TxRepository groups writes that commit together with their messages.
type TxRepository interface {
	messaging.OutboxWriter
	Insert(ctx context.Context, r Report) error
	GetForUpdate(ctx context.Context, qaReportID string) (Report, error)
	Deactivate(ctx context.Context, qaReportID string) error
}

type pgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*pgRepository)(nil)

// NewRepository returns a Postgres backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{TxOutbox: messaging.NewTxOutbox(tx), tx: tx})
	})
}

const reportColumns = `qa_report_id, data_id, data_type, company_id, data_point_type, reporting_period,
reporter_user_id, upload_time, active, comment, verdict, corrected_data`

func scanReport(row pgx.Row) (Report, error) {
	var (
		rep     Report
		verdict string
	)
	err := row.Scan(&rep.QaReportID, &rep.DataID, &rep.DataType,
		&rep.Dimensions.CompanyID, &rep.Dimensions.DataPointType, &rep.Dimensions.ReportingPeriod,
		&rep.ReporterUserID, &rep.UploadTime, &rep.Active, &rep.Comment, &verdict, &rep.CorrectedData)
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, ErrReportNotFound
	}
	if err != nil {
		return Report{}, shared.ClassifyStoreError(err)
	}
	rep.Verdict = Verdict(verdict)
	return rep, nil
}

func (r *pgRepository) Get(ctx context.Context, qaReportID string) (Report, error) {
	return scanReport(r.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM data_point_qa_reports WHERE qa_report_id = $1`, qaReportID))
}

func (r *pgRepository) List(ctx context.Context, filter ListFilter) ([]Report, error) {
	sql := `SELECT ` + reportColumns + ` FROM data_point_qa_reports
WHERE lower(company_id) = lower($1) AND data_point_type = $2 AND reporting_period = $3`
	if filter.ActiveOnly {
		sql += ` AND active`
	}
	sql += ` ORDER BY upload_time, qa_report_id`
	rows, err := r.pool.Query(ctx, sql, filter.Dimensions.CompanyID, filter.Dimensions.DataPointType, filter.Dimensions.ReportingPeriod)
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, shared.ClassifyStoreError(rows.Err())
}

type pgTx struct {
	messaging.TxOutbox
	tx pgx.Tx
}

func (t *pgTx) Insert(ctx context.Context, rep Report) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO data_point_qa_reports (`+reportColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rep.QaReportID, rep.DataID, rep.DataType,
		rep.Dimensions.CompanyID, rep.Dimensions.DataPointType, rep.Dimensions.ReportingPeriod,
		rep.ReporterUserID, rep.UploadTime, rep.Active, rep.Comment, string(rep.Verdict), rep.CorrectedData)
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) GetForUpdate(ctx context.Context, qaReportID string) (Report, error) {
	return scanReport(t.tx.QueryRow(ctx, `SELECT `+reportColumns+` FROM data_point_qa_reports WHERE qa_report_id = $1 FOR UPDATE`, qaReportID))
}

func (t *pgTx) Deactivate(ctx context.Context, qaReportID string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE data_point_qa_reports SET active = FALSE WHERE qa_report_id = $1`, qaReportID)
	if err != nil {
		return shared.ClassifyStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}
