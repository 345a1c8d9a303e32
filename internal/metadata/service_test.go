package metadata_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/metadata"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/qastatus/qastatustest"
	"github.com/esgqa/qa-engine/internal/shared"
)

type memoryRepo struct {
	mu    sync.Mutex
	metas map[string]metadata.MetaInformation
	marks map[string]metadata.NonSourceableInfo
	fail  error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{metas: map[string]metadata.MetaInformation{}, marks: map[string]metadata.NonSourceableInfo{}}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, metadata.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	metas := make(map[string]metadata.MetaInformation, len(m.metas))
	for k, v := range m.metas {
		metas[k] = v
	}
	marks := make(map[string]metadata.NonSourceableInfo, len(m.marks))
	for k, v := range m.marks {
		marks[k] = v
	}
	err := fn(ctx, memoryTx{m})
	if err == nil {
		err = m.fail
	}
	if err != nil {
		m.metas, m.marks = metas, marks
	}
	return err
}

func (m *memoryRepo) Get(_ context.Context, dataID string) (metadata.MetaInformation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memoryTx{m}.Get(context.Background(), dataID)
}

func (m *memoryRepo) ActiveDataset(_ context.Context, triple qastatus.Triple) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, meta := range m.metas {
		if meta.CurrentlyActive && meta.Triple.Key() == triple.Key() {
			return &id, nil
		}
	}
	return nil, nil
}

func (m *memoryRepo) NonSourceable(_ context.Context, triple qastatus.Triple) (metadata.NonSourceableInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.marks[triple.Key()]
	return info, ok, nil
}

func (m *memoryRepo) activeCount(triple qastatus.Triple) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, meta := range m.metas {
		if meta.CurrentlyActive && meta.Triple.Key() == triple.Key() {
			n++
		}
	}
	return n
}

type memoryTx struct{ m *memoryRepo }

func (memoryTx) LockTriple(context.Context, qastatus.Triple) error { return nil }

func (t memoryTx) Get(_ context.Context, dataID string) (metadata.MetaInformation, error) {
	meta, ok := t.m.metas[dataID]
	if !ok {
		return metadata.MetaInformation{}, metadata.ErrMetaNotFound
	}
	return meta, nil
}

func (t memoryTx) UpsertMeta(_ context.Context, meta metadata.MetaInformation) error {
	if existing, ok := t.m.metas[meta.DataID]; ok {
		existing.QaStatus = meta.QaStatus
		existing.UpdatedAt = meta.UpdatedAt
		t.m.metas[meta.DataID] = existing
		return nil
	}
	t.m.metas[meta.DataID] = meta
	return nil
}

func (t memoryTx) SetActive(_ context.Context, triple qastatus.Triple, activeID *string) error {
	for id, meta := range t.m.metas {
		if meta.Triple.Key() == triple.Key() {
			meta.CurrentlyActive = activeID != nil && *activeID == id
			t.m.metas[id] = meta
		}
	}
	return nil
}

func (t memoryTx) UpsertNonSourceable(_ context.Context, info metadata.NonSourceableInfo) error {
	t.m.marks[info.Triple.Key()] = info
	return nil
}

var triple = qastatus.Triple{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023"}

func newRouter(t *testing.T) (*messaging.Router, *metadata.Service, *memoryRepo) {
	t.Helper()
	datasets := qastatustest.New()
	for _, id := range []string{"ds-0", "ds-1"} {
		datasets.Seed(qastatus.Dataset{DataID: id, Triple: triple}, map[string]string{"scope1": "1"})
	}
	repo := newMemoryRepo()
	svc := metadata.NewService(repo, datasets, nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) })
	router := messaging.NewRouter(messaging.RouterConfig{Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())})
	metadata.NewConsumer(svc).Register(router)
	return router, svc, repo
}

func deliver(t *testing.T, router *messaging.Router, env messaging.Envelope) messaging.Outcome {
	t.Helper()
	raw, err := messaging.Encode(env)
	require.NoError(t, err)
	outcome, _ := router.Deliver(context.Background(), messaging.Delivery{ID: env.MessageID, Data: raw, Attempt: 1})
	return outcome
}

func envelope(t *testing.T, msg messaging.Message) messaging.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(msg, messaging.ActionUpdate, "", time.Now())
	require.NoError(t, err)
	return env
}

func strPtr(s string) *string { return &s }

func TestStatusChangesOverwriteActiveFlag(t *testing.T) {
	ctx := context.Background()
	router, svc, repo := newRouter(t)

	require.Equal(t, messaging.OutcomeAck, deliver(t, router, envelope(t, messaging.QaStatusChange{
		DataID: "ds-0", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: strPtr("ds-0"),
	})))
	active, err := svc.ActiveDataset(ctx, triple)
	require.NoError(t, err)
	require.Equal(t, "ds-0", *active)

	// Accepting ds-1 demotes ds-0; both messages name ds-1 as active.
	require.Equal(t, messaging.OutcomeAck, deliver(t, router, envelope(t, messaging.QaStatusChange{
		DataID: "ds-0", UpdatedQaStatus: "Pending", CurrentlyActiveDataID: strPtr("ds-1"),
	})))
	accept := envelope(t, messaging.QaStatusChange{DataID: "ds-1", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: strPtr("ds-1")})
	require.Equal(t, messaging.OutcomeAck, deliver(t, router, accept))

	active, err = svc.ActiveDataset(ctx, triple)
	require.NoError(t, err)
	require.Equal(t, "ds-1", *active)
	require.Equal(t, 1, repo.activeCount(triple))

	meta, err := svc.Get(ctx, "ds-0")
	require.NoError(t, err)
	require.Equal(t, qastatus.StatusPending, meta.QaStatus)
	require.False(t, meta.CurrentlyActive)

	// Redelivering the same envelope changes nothing.
	require.Equal(t, messaging.OutcomeAck, deliver(t, router, accept))
	require.Equal(t, 1, repo.activeCount(triple))
	active, err = svc.ActiveDataset(ctx, triple)
	require.NoError(t, err)
	require.Equal(t, "ds-1", *active)

	require.Equal(t, messaging.OutcomeAck, deliver(t, router, envelope(t, messaging.QaStatusChange{
		DataID: "ds-1", UpdatedQaStatus: "Rejected",
	})))
	active, err = svc.ActiveDataset(ctx, triple)
	require.NoError(t, err)
	require.Nil(t, active)
	require.Zero(t, repo.activeCount(triple))
}

func TestStatusChangeForUnknownDatasetIsRetried(t *testing.T) {
	router, _, _ := newRouter(t)
	outcome := deliver(t, router, envelope(t, messaging.QaStatusChange{DataID: "ghost", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: strPtr("ghost")}))
	require.Equal(t, messaging.OutcomeRetry, outcome)
}

func TestStatusChangeWithPublishActionIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	router, svc, _ := newRouter(t)
	env, err := messaging.NewEnvelope(messaging.QaStatusChange{
		DataID: "ds-0", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: strPtr("ds-0"),
	}, messaging.ActionPublish, "", time.Now())
	require.NoError(t, err)

	require.Equal(t, messaging.OutcomeDeadLetter, deliver(t, router, env))
	_, err = svc.Get(ctx, "ds-0")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestFailedCommitLeavesReadModelUntouched(t *testing.T) {
	ctx := context.Background()
	_, svc, repo := newRouter(t)
	repo.fail = shared.Transient(errors.New("connection reset"))

	err := svc.ApplyStatusChange(ctx, messaging.QaStatusChange{DataID: "ds-0", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: strPtr("ds-0")})
	require.ErrorIs(t, err, shared.ErrTransientIO)
	_, err = svc.Get(ctx, "ds-0")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestNonSourceableMarkIsIndependentOfStatus(t *testing.T) {
	ctx := context.Background()
	router, svc, _ := newRouter(t)

	require.Equal(t, messaging.OutcomeAck, deliver(t, router, envelope(t, messaging.QaStatusChange{
		DataID: "ds-0", UpdatedQaStatus: "Accepted", CurrentlyActiveDataID: strPtr("ds-0"),
	})))
	require.Equal(t, messaging.OutcomeAck, deliver(t, router, envelope(t, messaging.NonSourceable{
		CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023", IsNonSourceable: true, Reason: "not published",
	})))

	info, err := svc.IsNonSourceable(ctx, triple)
	require.NoError(t, err)
	require.True(t, info.IsNonSourceable)
	require.Equal(t, "not published", info.Reason)
	active, err := svc.ActiveDataset(ctx, triple)
	require.NoError(t, err)
	require.Equal(t, "ds-0", *active)

	require.Equal(t, messaging.OutcomeAck, deliver(t, router, envelope(t, messaging.NonSourceable{
		CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023", IsNonSourceable: false, Reason: "found it",
	})))
	info, err = svc.IsNonSourceable(ctx, triple)
	require.NoError(t, err)
	require.False(t, info.IsNonSourceable)
	require.Empty(t, info.Reason)

	info, err = svc.IsNonSourceable(ctx, qastatus.Triple{CompanyID: "c-2", DataType: "sfdr", ReportingPeriod: "2023"})
	require.NoError(t, err)
	require.False(t, info.IsNonSourceable)

	_, err = svc.IsNonSourceable(ctx, qastatus.Triple{CompanyID: "c-2"})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}
