// Package reviewtest provides an in-memory review repository whose
// transactions join those of a qastatustest.Memory.
package reviewtest

import (
	"context"
	"sort"
	"sync"

	"github.com/esgqa/qa-engine/internal/qastatus/qastatustest"
	"github.com/esgqa/qa-engine/internal/review"
)

// Memory implements review.Repository.
type Memory struct {
	status *qastatustest.Memory

	mu      sync.Mutex
	reviews map[string]review.DatasetReview

	// SaveErr, when set, fails every SaveReview call.
	SaveErr error
}

var _ review.Repository = (*Memory)(nil)

// New returns an empty repository sharing transactions with status.
func New(status *qastatustest.Memory) *Memory {
	return &Memory{status: status, reviews: make(map[string]review.DatasetReview)}
}

// WithTx implements review.Repository. Review writes are rolled back together
// with status writes when fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, review.TxRepository) error) error {
	return m.status.RunTx(ctx, func(ctx context.Context, tx *qastatustest.Tx) error {
		m.mu.Lock()
		snap := make(map[string]review.DatasetReview, len(m.reviews))
		for k, v := range m.reviews {
			snap[k] = v.Clone()
		}
		m.mu.Unlock()

		if err := fn(ctx, &memoryTx{Tx: tx, m: m}); err != nil {
			m.mu.Lock()
			m.reviews = snap
			m.mu.Unlock()
			return err
		}
		return nil
	})
}

// Get implements review.Repository.
func (m *Memory) Get(_ context.Context, reviewID string) (review.DatasetReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.reviews[reviewID]
	if !ok {
		return review.DatasetReview{}, review.ErrReviewNotFound
	}
	return rev.Clone(), nil
}

// ListByDataset implements review.Repository.
func (m *Memory) ListByDataset(_ context.Context, datasetID string) ([]review.DatasetReview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []review.DatasetReview
	for _, rev := range m.reviews {
		if rev.DatasetID == datasetID {
			out = append(out, rev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DataSetReviewID < out[j].DataSetReviewID
	})
	return out, nil
}

type memoryTx struct {
	*qastatustest.Tx
	m *Memory
}

func (t *memoryTx) InsertReview(_ context.Context, r review.DatasetReview) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.reviews[r.DataSetReviewID] = r.Clone()
	return nil
}

func (t *memoryTx) GetReviewForUpdate(_ context.Context, reviewID string) (review.DatasetReview, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	rev, ok := t.m.reviews[reviewID]
	if !ok {
		return review.DatasetReview{}, review.ErrReviewNotFound
	}
	return rev.Clone(), nil
}

func (t *memoryTx) PendingReview(_ context.Context, datasetID string) (review.DatasetReview, bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, rev := range t.m.reviews {
		if rev.DatasetID == datasetID && rev.Status == review.StatusPending {
			return rev.Clone(), true, nil
		}
	}
	return review.DatasetReview{}, false, nil
}

func (t *memoryTx) SaveReview(_ context.Context, r review.DatasetReview) error {
	if t.m.SaveErr != nil {
		return t.m.SaveErr
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.reviews[r.DataSetReviewID]; !ok {
		return review.ErrReviewNotFound
	}
	t.m.reviews[r.DataSetReviewID] = r.Clone()
	return nil
}
