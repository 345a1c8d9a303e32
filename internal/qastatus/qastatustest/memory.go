// Package qastatustest provides an in-memory qastatus repository for tests.
package qastatustest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qastatus"
)

// Memory implements qastatus.Repository. Transactions are serialised and
// rolled back on error.
type Memory struct {
	mu          sync.Mutex
	datasets    map[string]qastatus.Dataset
	points      map[string][]qastatus.DataPoint
	history     []qastatus.StatusChange
	suggestions []qastatus.Suggestion
	outbox      []messaging.Envelope
	seq         int64

	// OutboxErr, when set, fails every AppendOutbox call.
	OutboxErr error
}

var _ qastatus.Repository = (*Memory)(nil)

// New returns an empty repository.
func New() *Memory {
	return &Memory{
		datasets: make(map[string]qastatus.Dataset),
		points:   make(map[string][]qastatus.DataPoint),
	}
}

type snapshot struct {
	datasets    map[string]qastatus.Dataset
	points      map[string][]qastatus.DataPoint
	history     []qastatus.StatusChange
	suggestions []qastatus.Suggestion
	outbox      []messaging.Envelope
	seq         int64
}

func (m *Memory) snapshot() snapshot {
	s := snapshot{
		datasets:    make(map[string]qastatus.Dataset, len(m.datasets)),
		points:      make(map[string][]qastatus.DataPoint, len(m.points)),
		history:     append([]qastatus.StatusChange(nil), m.history...),
		suggestions: append([]qastatus.Suggestion(nil), m.suggestions...),
		outbox:      append([]messaging.Envelope(nil), m.outbox...),
		seq:         m.seq,
	}
	for k, v := range m.datasets {
		s.datasets[k] = v
	}
	for k, v := range m.points {
		s.points[k] = append([]qastatus.DataPoint(nil), v...)
	}
	return s
}

func (m *Memory) restore(s snapshot) {
	m.datasets = s.datasets
	m.points = s.points
	m.history = s.history
	m.suggestions = s.suggestions
	m.outbox = s.outbox
	m.seq = s.seq
}

// WithTx implements qastatus.Repository.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, qastatus.TxRepository) error) error {
	return m.RunTx(ctx, func(ctx context.Context, tx *Tx) error { return fn(ctx, tx) })
}

// RunTx runs fn in a transaction other in-memory repositories can join.
func (m *Memory) RunTx(ctx context.Context, fn func(context.Context, *Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx, &Tx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// Seed stores a dataset and its data points directly. Keys of values are
// data point types; data point ids are "<dataId>/<type>".
func (m *Memory) Seed(ds qastatus.Dataset, values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds.QaStatus == "" {
		ds.QaStatus = qastatus.StatusPending
	}
	if ds.UploadTime.IsZero() {
		ds.UploadTime = time.Now().UTC()
	}
	m.datasets[ds.DataID] = ds
	types := make([]string, 0, len(values))
	for t := range values {
		types = append(types, t)
	}
	sort.Strings(types)
	points := make([]qastatus.DataPoint, 0, len(types))
	for _, t := range types {
		points = append(points, qastatus.DataPoint{
			DataPointID:   ds.DataID + "/" + t,
			DataID:        ds.DataID,
			DataPointType: t,
			Value:         values[t],
			QaStatus:      qastatus.StatusPending,
		})
	}
	m.points[ds.DataID] = points
	m.seq++
	m.history = append(m.history, qastatus.StatusChange{
		Seq: m.seq, DataID: ds.DataID, Triple: ds.Triple, Status: ds.QaStatus, ChangedAt: ds.UploadTime,
	})
}

// Outbox returns committed envelopes in append order.
func (m *Memory) Outbox() []messaging.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messaging.Envelope(nil), m.outbox...)
}

// StatusChanges decodes committed QaStatusChange envelopes.
func (m *Memory) StatusChanges() []messaging.QaStatusChange {
	var out []messaging.QaStatusChange
	for _, env := range m.Outbox() {
		if env.MessageType != messaging.TypeQaStatusChange {
			continue
		}
		var msg messaging.QaStatusChange
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			panic(fmt.Sprintf("qastatustest: %v", err))
		}
		out = append(out, msg)
	}
	return out
}

// ResetOutbox drops committed envelopes.
func (m *Memory) ResetOutbox() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = nil
}

// Status returns the current status of a dataset.
func (m *Memory) Status(dataID string) qastatus.QaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.datasets[dataID].QaStatus
}

// GetDataset implements qastatus.Repository.
func (m *Memory) GetDataset(_ context.Context, dataID string) (qastatus.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getDataset(dataID)
}

func (m *Memory) getDataset(dataID string) (qastatus.Dataset, error) {
	ds, ok := m.datasets[dataID]
	if !ok {
		return qastatus.Dataset{}, qastatus.ErrDatasetNotFound
	}
	return ds, nil
}

// ListDataPoints implements qastatus.Repository.
func (m *Memory) ListDataPoints(_ context.Context, dataID string) ([]qastatus.DataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]qastatus.DataPoint(nil), m.points[dataID]...), nil
}

// GetDataPoint implements qastatus.Repository.
func (m *Memory) GetDataPoint(_ context.Context, dataPointID string) (qastatus.DataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, points := range m.points {
		for _, dp := range points {
			if dp.DataPointID == dataPointID {
				return dp, nil
			}
		}
	}
	return qastatus.DataPoint{}, qastatus.ErrDataPointNotFound
}

// StatusHistory implements qastatus.Repository.
func (m *Memory) StatusHistory(_ context.Context, triple qastatus.Triple) ([]qastatus.StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyOf(triple), nil
}

func (m *Memory) historyOf(triple qastatus.Triple) []qastatus.StatusChange {
	var out []qastatus.StatusChange
	for _, c := range m.history {
		if c.Triple.Key() == triple.Key() {
			out = append(out, c)
		}
	}
	return out
}

// ListSuggestions implements qastatus.Repository.
func (m *Memory) ListSuggestions(_ context.Context, dataID string) ([]qastatus.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []qastatus.Suggestion
	for _, s := range m.suggestions {
		if s.DataID == dataID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Tx implements qastatus.TxRepository on a locked Memory.
type Tx struct {
	m *Memory
}

var _ qastatus.TxRepository = (*Tx)(nil)

func (t *Tx) AppendOutbox(_ context.Context, env messaging.Envelope) error {
	if t.m.OutboxErr != nil {
		return t.m.OutboxErr
	}
	t.m.outbox = append(t.m.outbox, env)
	return nil
}

func (t *Tx) LockTriple(context.Context, qastatus.Triple) error { return nil }

func (t *Tx) GetDataset(_ context.Context, dataID string) (qastatus.Dataset, error) {
	return t.m.getDataset(dataID)
}

func (t *Tx) GetDatasetForUpdate(_ context.Context, dataID string) (qastatus.Dataset, error) {
	return t.m.getDataset(dataID)
}

func (t *Tx) ListAcceptedDatasets(_ context.Context, triple qastatus.Triple) ([]qastatus.Dataset, error) {
	var out []qastatus.Dataset
	for _, ds := range t.m.datasets {
		if ds.Triple.Key() == triple.Key() && ds.QaStatus == qastatus.StatusAccepted {
			out = append(out, ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadTime.Before(out[j].UploadTime) })
	return out, nil
}

func (t *Tx) InsertDataset(_ context.Context, ds qastatus.Dataset) error {
	if _, dup := t.m.datasets[ds.DataID]; dup {
		return qastatus.ErrDatasetExists
	}
	t.m.datasets[ds.DataID] = ds
	return nil
}

func (t *Tx) InsertDataPoints(_ context.Context, points []qastatus.DataPoint) error {
	for _, dp := range points {
		t.m.points[dp.DataID] = append(t.m.points[dp.DataID], dp)
	}
	return nil
}

func (t *Tx) UpdateDatasetStatus(_ context.Context, dataID string, status qastatus.QaStatus) error {
	ds, err := t.m.getDataset(dataID)
	if err != nil {
		return err
	}
	ds.QaStatus = status
	t.m.datasets[dataID] = ds
	return nil
}

func (t *Tx) UpdateDataPointStatus(_ context.Context, dataID, dataPointType string, status qastatus.QaStatus) error {
	points := t.m.points[dataID]
	for i := range points {
		if points[i].DataPointType == dataPointType {
			points[i].QaStatus = status
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", qastatus.ErrDataPointNotFound, dataID, dataPointType)
}

func (t *Tx) AppendStatusChange(_ context.Context, change qastatus.StatusChange) (qastatus.StatusChange, error) {
	t.m.seq++
	change.Seq = t.m.seq
	t.m.history = append(t.m.history, change)
	return change, nil
}

func (t *Tx) StatusHistory(_ context.Context, triple qastatus.Triple) ([]qastatus.StatusChange, error) {
	return t.m.historyOf(triple), nil
}

func (t *Tx) InsertSuggestion(_ context.Context, s qastatus.Suggestion) error {
	t.m.suggestions = append(t.m.suggestions, s)
	return nil
}
