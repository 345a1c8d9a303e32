package metadata

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esgqa/qa-engine/internal/platform/db"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Repository exposes the metadata read model.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, dataID string) (MetaInformation, error)
	ActiveDataset(ctx context.Context, triple qastatus.Triple) (*string, error)
	NonSourceable(ctx context.Context, triple qastatus.Triple) (NonSourceableInfo, bool, error)
}

// TxRepository is used inside a transaction.
type TxRepository interface {
	LockTriple(ctx context.Context, triple qastatus.Triple) error
	Get(ctx context.Context, dataID string) (MetaInformation, error)
	UpsertMeta(ctx context.Context, m MetaInformation) error
	// SetActive flags activeID as the only currently active dataset of the
	// triple. A nil activeID clears the flag on every row.
	SetActive(ctx context.Context, triple qastatus.Triple, activeID *string) error
	UpsertNonSourceable(ctx context.Context, info NonSourceableInfo) error
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
	return db.WithLockedTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

const metaColumns = `data_id, company_id, data_type, reporting_period, qa_status, currently_active, updated_at`

func scanMeta(row pgx.Row) (MetaInformation, error) {
	var (
		m      MetaInformation
		status string
	)
	err := row.Scan(&m.DataID, &m.Triple.CompanyID, &m.Triple.DataType, &m.Triple.ReportingPeriod,
		&status, &m.CurrentlyActive, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MetaInformation{}, ErrMetaNotFound
	}
	if err != nil {
		return MetaInformation{}, shared.ClassifyStoreError(err)
	}
	m.QaStatus = qastatus.QaStatus(status)
	return m, nil
}

func (r *pgRepository) Get(ctx context.Context, dataID string) (MetaInformation, error) {
	return scanMeta(r.pool.QueryRow(ctx, `SELECT `+metaColumns+` FROM data_meta_information WHERE data_id = $1`, dataID))
}

func (r *pgRepository) ActiveDataset(ctx context.Context, triple qastatus.Triple) (*string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `SELECT data_id FROM data_meta_information
		WHERE triple_key = $1 AND currently_active`, triple.Key()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, shared.ClassifyStoreError(err)
	}
	return &id, nil
}

func (r *pgRepository) NonSourceable(ctx context.Context, triple qastatus.Triple) (NonSourceableInfo, bool, error) {
	info := NonSourceableInfo{Triple: triple}
	err := r.pool.QueryRow(ctx, `SELECT is_non_sourceable, reason, updated_at FROM non_sourceable_triples
		WHERE triple_key = $1`, triple.Key()).Scan(&info.IsNonSourceable, &info.Reason, &info.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return NonSourceableInfo{}, false, nil
	}
	if err != nil {
		return NonSourceableInfo{}, false, shared.ClassifyStoreError(err)
	}
	return info, true, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockTriple(ctx context.Context, triple qastatus.Triple) error {
	return db.AdvisoryXactLock(ctx, t.tx, "metadata:"+triple.Key())
}

func (t *pgTx) Get(ctx context.Context, dataID string) (MetaInformation, error) {
	return scanMeta(t.tx.QueryRow(ctx, `SELECT `+metaColumns+` FROM data_meta_information WHERE data_id = $1 FOR UPDATE`, dataID))
}

func (t *pgTx) UpsertMeta(ctx context.Context, m MetaInformation) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO data_meta_information
		(data_id, company_id, data_type, reporting_period, triple_key, qa_status, currently_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (data_id) DO UPDATE SET qa_status = EXCLUDED.qa_status, updated_at = EXCLUDED.updated_at`,
		m.DataID, m.Triple.CompanyID, m.Triple.DataType, m.Triple.ReportingPeriod, m.Triple.Key(),
		string(m.QaStatus), m.CurrentlyActive, m.UpdatedAt)
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) SetActive(ctx context.Context, triple qastatus.Triple, activeID *string) error {
	_, err := t.tx.Exec(ctx, `UPDATE data_meta_information
		SET currently_active = (data_id IS NOT DISTINCT FROM $2)
		WHERE triple_key = $1`, triple.Key(), activeID)
	return shared.ClassifyStoreError(err)
}

func (t *pgTx) UpsertNonSourceable(ctx context.Context, info NonSourceableInfo) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO non_sourceable_triples
		(triple_key, company_id, data_type, reporting_period, is_non_sourceable, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (triple_key) DO UPDATE SET is_non_sourceable = EXCLUDED.is_non_sourceable,
			reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		info.Triple.Key(), info.Triple.CompanyID, info.Triple.DataType, info.Triple.ReportingPeriod,
		info.IsNonSourceable, info.Reason, info.UpdatedAt)
	return shared.ClassifyStoreError(err)
}
