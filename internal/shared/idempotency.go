package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrIdempotencyConflict reports that a consumer already processed the key.
	ErrIdempotencyConflict = errors.New("message already processed")
	// ErrIdempotencyInFlight reports that another delivery holds an unexpired
	// lease on the key.
	ErrIdempotencyInFlight = errors.New("message is being processed")
)

const (
	claimProcessing = "processing"
	claimDone       = "done"
)

// IdempotencyStore remembers which message ids each consumer handled.
//
// A claim starts as a lease. Complete turns it into a permanent record,
// Release drops it. A lease that is neither completed nor released (crash,
// lost connection) expires and the next delivery takes it over.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

func validKey(key, module string) error {
	switch {
	case key == "":
		return InvalidInput("idempotency key required")
	case module == "":
		return InvalidInput("idempotency module required")
	}
	return nil
}

// Claim leases key for module until lease elapses. A completed key yields
// ErrIdempotencyConflict; a key leased by another delivery yields
// ErrIdempotencyInFlight.
func (s *IdempotencyStore) Claim(ctx context.Context, key, module string, lease time.Duration) error {
	if err := validKey(key, module); err != nil {
		return err
	}
	if lease <= 0 {
		return InvalidInput("idempotency lease must be positive")
	}
	now := s.now().UTC()
	var state string
	err := s.pool.QueryRow(ctx, `INSERT INTO idempotency_keys (key, module, state, lease_until, created_at)
VALUES ($1, $2, 'processing', $3, $4)
ON CONFLICT (key, module) DO UPDATE SET lease_until = EXCLUDED.lease_until, created_at = EXCLUDED.created_at
WHERE idempotency_keys.state = 'processing' AND idempotency_keys.lease_until < $4
RETURNING state`, key, module, now.Add(lease), now).Scan(&state)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClassifyStoreError(err)
	}
	err = s.pool.QueryRow(ctx, `SELECT state FROM idempotency_keys WHERE key = $1 AND module = $2`, key, module).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Transient(errors.New("idempotency claim released concurrently"))
	case err != nil:
		return ClassifyStoreError(err)
	case state == claimDone:
		return ErrIdempotencyConflict
	default:
		return ErrIdempotencyInFlight
	}
}

// Complete marks a claimed key as processed for good.
func (s *IdempotencyStore) Complete(ctx context.Context, key, module string) error {
	if err := validKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `UPDATE idempotency_keys SET state = $3, lease_until = NULL
WHERE key = $1 AND module = $2`, key, module, claimDone)
	return ClassifyStoreError(err)
}

// Release drops an unfinished claim so a failed delivery is processed again.
// Completed keys are left alone.
func (s *IdempotencyStore) Release(ctx context.Context, key, module string) error {
	if err := validKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND module = $2 AND state = $3`,
		key, module, claimProcessing)
	return ClassifyStoreError(err)
}

// Cleanup drops claims older than retention and returns how many went.
// Redeliveries older than retention are no longer deduplicated.
func (s *IdempotencyStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, InvalidInput("idempotency retention must be positive")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, ClassifyStoreError(err)
	}
	return tag.RowsAffected(), nil
}
