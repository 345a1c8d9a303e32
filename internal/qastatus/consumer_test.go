package qastatus_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/esgqa/qa-engine/internal/jobs"
	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/qastatus/qastatustest"
)

func newConsumerRouter(t *testing.T) (*messaging.Router, *qastatus.Service, *qastatustest.Memory) {
	t.Helper()
	svc, repo := newService(t)
	router := messaging.NewRouter(messaging.RouterConfig{Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())})
	qastatus.NewConsumer(svc, nil).Register(router)
	return router, svc, repo
}

func deliver(t *testing.T, router *messaging.Router, msg messaging.Message) (messaging.Outcome, error) {
	t.Helper()
	env, err := messaging.NewEnvelope(msg, messaging.ActionPublish, "", time.Now())
	require.NoError(t, err)
	raw, err := messaging.Encode(env)
	require.NoError(t, err)
	return router.Deliver(context.Background(), messaging.Delivery{ID: env.MessageID, Data: raw, Attempt: 1})
}

func TestManualQaRequestedWithBypassAccepts(t *testing.T) {
	router, _, repo := newConsumerRouter(t)
	repo.Seed(qastatus.Dataset{DataID: "x", Triple: triple2023}, map[string]string{"scope1": "1"})

	bypass := true
	outcome, err := deliver(t, router, messaging.ManualQaRequested{ResourceID: "x", BypassQa: &bypass})
	require.NoError(t, err)
	require.Equal(t, messaging.OutcomeAck, outcome)
	require.Equal(t, qastatus.StatusAccepted, repo.Status("x"))

	// Redelivery applies nothing new.
	outcome, err = deliver(t, router, messaging.ManualQaRequested{ResourceID: "x", BypassQa: &bypass})
	require.NoError(t, err)
	require.Equal(t, messaging.OutcomeAck, outcome)
	require.Len(t, repo.StatusChanges(), 1)
}

func TestAutomatedQaWithoutBypassOnlySuggests(t *testing.T) {
	ctx := context.Background()
	router, svc, repo := newConsumerRouter(t)
	repo.Seed(qastatus.Dataset{DataID: "x", Triple: triple2023}, map[string]string{"scope1": "1", "scope2": "2"})

	accepted := "Accepted"
	rejected := "Rejected"
	for _, msg := range []messaging.AutomatedQaCompleted{
		{ResourceID: "x/scope1", QaStatus: &accepted, ReviewerID: "bot"},
		{ResourceID: "x/scope2", QaStatus: &accepted, ReviewerID: "bot"},
		{ResourceID: "x/scope2", QaStatus: &rejected, ReviewerID: "bot"},
		{ResourceID: "x", QaStatus: &accepted, ReviewerID: "bot"},
		{ResourceID: "x", ReviewerID: "bot"},
	} {
		outcome, err := deliver(t, router, msg)
		require.NoError(t, err)
		require.Equal(t, messaging.OutcomeAck, outcome)
	}

	require.Equal(t, qastatus.StatusPending, repo.Status("x"), "suggestions never change status")
	require.Empty(t, repo.StatusChanges())

	ids, err := svc.PreapprovedDataPoints(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, []string{"x/scope1"}, ids)
}

func TestAutomatedQaWithBypassAppliesVerdict(t *testing.T) {
	ctx := context.Background()
	router, svc, repo := newConsumerRouter(t)
	repo.Seed(qastatus.Dataset{DataID: "x", Triple: triple2023}, map[string]string{"scope1": "1"})

	rejected := "Rejected"
	_, err := deliver(t, router, messaging.AutomatedQaCompleted{ResourceID: "x/scope1", QaStatus: &rejected, ReviewerID: "bot", BypassQa: true})
	require.NoError(t, err)
	points, err := svc.ListDataPoints(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, qastatus.StatusRejected, points[0].QaStatus)

	accepted := "Accepted"
	_, err = deliver(t, router, messaging.AutomatedQaCompleted{ResourceID: "x", QaStatus: &accepted, ReviewerID: "bot", BypassQa: true})
	require.NoError(t, err)
	require.Equal(t, qastatus.StatusAccepted, repo.Status("x"))
}

func TestQaCompletedAppliesValidationResult(t *testing.T) {
	router, _, repo := newConsumerRouter(t)
	repo.Seed(qastatus.Dataset{DataID: "x", Triple: triple2023, QaStatus: qastatus.StatusAccepted}, map[string]string{"scope1": "1"})

	note := "numbers do not add up"
	outcome, err := deliver(t, router, messaging.QaCompleted{Identifier: "x", ValidationResult: "Rejected", ReviewerID: "rev", Message: &note})
	require.NoError(t, err)
	require.Equal(t, messaging.OutcomeAck, outcome)
	require.Equal(t, qastatus.StatusRejected, repo.Status("x"))

	changes := repo.StatusChanges()
	require.Len(t, changes, 1)
	require.Nil(t, changes[0].CurrentlyActiveDataID)
}

func TestUnknownResourceIsRetried(t *testing.T) {
	router, _, _ := newConsumerRouter(t)
	accepted := "Accepted"
	outcome, err := deliver(t, router, messaging.AutomatedQaCompleted{ResourceID: "nope", QaStatus: &accepted, ReviewerID: "bot", BypassQa: true})
	require.Error(t, err)
	require.Equal(t, messaging.OutcomeRetry, outcome)
}
