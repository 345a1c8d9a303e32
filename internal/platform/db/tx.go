package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/esgqa/qa-engine/internal/shared"
)

// WithTx executes fn within a transaction using the RepeatableRead isolation level.
// Serialization failures surface as shared.ErrTransientIO so callers may retry.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, fn)
}

// WithLockedTx executes fn within a ReadCommitted transaction. Use it for work
// that serialises on an advisory lock and must see rows committed while it
// waited for that lock.
func WithLockedTx(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) error {
	return WithTxOptions(ctx, pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// WithTxOptions executes fn within a transaction started with opts.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(context.Context, pgx.Tx) error) error {
	if pool == nil {
		return fmt.Errorf("platform/db: pool not initialised")
	}
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return shared.ClassifyStoreError(fmt.Errorf("platform/db: begin tx: %w", err))
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return shared.ClassifyStoreError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return shared.ClassifyStoreError(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// AdvisoryXactLock takes a transaction-scoped advisory lock keyed by name.
// The lock is released on commit or rollback.
func AdvisoryXactLock(ctx context.Context, tx pgx.Tx, name string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name)
	if err != nil {
		return fmt.Errorf("platform/db: advisory lock %s: %w", name, err)
	}
	return nil
}
