package qareports_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qareports/qareportstest"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/qastatus/qastatustest"
	"github.com/esgqa/qa-engine/internal/schema"
	"github.com/esgqa/qa-engine/internal/shared"
)

const registryYAML = `
frameworks:
  - name: sfdr
    dataPointTypes:
      - name: scope1
        kind: decimal
      - name: policy
        kind: boolean
`

type recordingAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

type fixture struct {
	svc   *qareports.Service
	repo  *qareportstest.Memory
	audit *recordingAudit
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	reg, err := schema.Parse([]byte(registryYAML))
	require.NoError(t, err)

	statusRepo := qastatustest.New()
	statusRepo.Seed(qastatus.Dataset{
		DataID: "ds-1",
		Triple: qastatus.Triple{CompanyID: "c-1", DataType: "sfdr", ReportingPeriod: "2023"},
	}, map[string]string{"scope1": "9", "policy": "Yes"})
	statusSvc := qastatus.NewService(statusRepo, qastatus.ServiceConfig{})

	repo := qareportstest.New()
	audit := &recordingAudit{}
	svc := qareports.NewService(repo, statusSvc, reg, audit, nil)
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})
	return fixture{svc: svc, repo: repo, audit: audit}
}

func ptr(s string) *string { return &s }

var scope1 = qareports.DataPointDimensions{CompanyID: "c-1", DataPointType: "scope1", ReportingPeriod: "2023"}

func TestSubmitConflictingReportsKeepsBoth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Submit(ctx, qareports.SubmitInput{DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "rev-a", Verdict: qareports.QaRejected, CorrectedData: ptr("10")})
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, qareports.SubmitInput{DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "rev-b", Verdict: qareports.QaRejected, CorrectedData: ptr("12.0")})
	require.NoError(t, err)
	require.NotEqual(t, first.QaReportID, second.QaReportID)
	require.Equal(t, "12", *second.CorrectedData, "decimal values are stored canonically")
	require.Equal(t, scope1, second.Dimensions)

	reports, err := f.svc.List(ctx, scope1)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, first.QaReportID, reports[0].QaReportID)
	require.Equal(t, second.QaReportID, reports[1].QaReportID)

	outbox := f.repo.Outbox()
	require.Len(t, outbox, 2)
	require.Equal(t, messaging.TypeAutomatedQaCompleted, outbox[0].MessageType)
	var msg messaging.AutomatedQaCompleted
	require.NoError(t, json.Unmarshal(outbox[0].Payload, &msg))
	require.Equal(t, "ds-1/scope1", msg.ResourceID)
	require.Equal(t, "Rejected", *msg.QaStatus)
	require.False(t, msg.BypassQa)
	require.Equal(t, first.QaReportID, outbox[0].CorrelationID)
}

func TestSubmitRejectsInvalidReportsWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cases := map[string]qareports.SubmitInput{
		"accepted without value":       {DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaAccepted},
		"inconclusive with value":      {DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaInconclusive, CorrectedData: ptr("3")},
		"not attempted with value":     {DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaNotAttempted, CorrectedData: ptr("3")},
		"blank suggestion":             {DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaRejected, CorrectedData: ptr("  ")},
		"unknown verdict":              {DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: "QaMaybe"},
		"value of wrong kind":          {DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaRejected, CorrectedData: ptr("ten")},
		"type missing from dataset":    {DataID: "ds-1", DataPointType: "scope3", ReporterUserID: "r", Verdict: qareports.QaInconclusive},
		"missing reporter":             {DataID: "ds-1", DataPointType: "scope1", Verdict: qareports.QaInconclusive},
		"boolean outside yes/no range": {DataID: "ds-1", DataPointType: "policy", ReporterUserID: "r", Verdict: qareports.QaAccepted, CorrectedData: ptr("perhaps")},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, in)
			require.ErrorIs(t, err, shared.ErrInvalidInput)
		})
	}
	require.Zero(t, f.repo.Count())
	require.Empty(t, f.repo.Outbox())

	_, err := f.svc.Submit(ctx, qareports.SubmitInput{DataID: "nope", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaInconclusive})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestInconclusiveReportCarriesNoStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), qareports.SubmitInput{DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "r", Verdict: qareports.QaInconclusive})
	require.NoError(t, err)
	var msg messaging.AutomatedQaCompleted
	require.NoError(t, json.Unmarshal(f.repo.Outbox()[0].Payload, &msg))
	require.Nil(t, msg.QaStatus)
}

func TestRetractHidesFromCandidatesButKeepsHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, err := f.svc.Submit(ctx, qareports.SubmitInput{DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "a", Verdict: qareports.QaRejected, CorrectedData: ptr("10")})
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, qareports.SubmitInput{DataID: "ds-1", DataPointType: "scope1", ReporterUserID: "b", Verdict: qareports.QaAccepted, CorrectedData: ptr("9")})
	require.NoError(t, err)

	retracted, err := f.svc.Retract(ctx, first.QaReportID, "a")
	require.NoError(t, err)
	require.False(t, retracted.Active)

	again, err := f.svc.Retract(ctx, first.QaReportID, "a")
	require.NoError(t, err)
	require.False(t, again.Active)

	candidates, err := f.svc.Candidates(ctx, scope1)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, second.QaReportID, candidates[0].QaReportID)

	history, err := f.svc.List(ctx, scope1)
	require.NoError(t, err)
	require.Len(t, history, 2)

	var retractions int
	for _, e := range f.audit.entries {
		if e.Action == shared.AuditReportRetracted {
			retractions++
		}
	}
	require.Equal(t, 1, retractions)

	_, err = f.svc.Retract(ctx, "missing", "a")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestVerdictMappingIsTotal(t *testing.T) {
	cases := map[qareports.Verdict]struct {
		status qastatus.QaStatus
		ok     bool
	}{
		qareports.QaAccepted:     {qastatus.StatusAccepted, true},
		qareports.QaRejected:     {qastatus.StatusRejected, true},
		qareports.QaInconclusive: {"", false},
		qareports.QaNotAttempted: {"", false},
	}
	for verdict, want := range cases {
		status, ok := verdict.QaStatus()
		require.Equal(t, want.ok, ok, verdict)
		require.Equal(t, want.status, status, verdict)
	}
}
