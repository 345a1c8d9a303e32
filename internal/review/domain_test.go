package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

func newTestReview() DatasetReview {
	ds := qastatus.Dataset{DataID: "ds-1", Triple: qastatus.Triple{CompanyID: "c", DataType: "sfdr", ReportingPeriod: "2023"}}
	return NewDatasetReview("r-1", ds, "rev", []string{"b", "a"}, time.Unix(0, 0))
}

func TestDecideKeepsSharedReportSnapshot(t *testing.T) {
	rev := newTestReview()
	now := time.Unix(10, 0)
	rep := qareports.Report{QaReportID: "q-1", Verdict: qareports.QaAccepted}

	require.NoError(t, rev.Decide("x", Decision{Source: SourceQa, Ref: "q-1", Report: &rep}, now))
	require.NoError(t, rev.Decide("y", Decision{Source: SourceQa, Ref: "q-1", Report: &rep}, now))
	require.NoError(t, rev.Decide("x", Decision{Source: SourceOriginal, Ref: "ds-1/x"}, now))
	require.Contains(t, rev.QaReports, "q-1", "still referenced by y")

	require.NoError(t, rev.Decide("y", Decision{Source: SourceCustom, Ref: "1"}, now))
	require.Empty(t, rev.QaReports)
	require.Equal(t, []string{"a", "b"}, rev.PreapprovedDataPointIDs)
}

func TestDecideValidatesInput(t *testing.T) {
	rev := newTestReview()
	now := time.Unix(10, 0)
	require.ErrorIs(t, rev.Decide("", Decision{Source: SourceOriginal}, now), shared.ErrInvalidInput)
	require.ErrorIs(t, rev.Decide("x", Decision{Source: SourceQa, Ref: "q-1"}, now), shared.ErrInvalidInput)
	require.ErrorIs(t, rev.Decide("x", Decision{Source: "Other"}, now), shared.ErrInvalidInput)
}

func TestRejectedDecisionKeepsPreviousOne(t *testing.T) {
	rev := newTestReview()
	now := time.Unix(10, 0)
	rep := qareports.Report{QaReportID: "q-1", Verdict: qareports.QaRejected}
	require.NoError(t, rev.Decide("x", Decision{Source: SourceQa, Ref: "q-1", Report: &rep}, now))

	later := time.Unix(20, 0)
	require.ErrorIs(t, rev.Decide("x", Decision{Source: SourceQa, Ref: "q-2"}, later), shared.ErrInvalidInput)
	require.ErrorIs(t, rev.Decide("x", Decision{Source: "Other", Ref: "v"}, later), shared.ErrInvalidInput)

	d, ok := rev.Decision("x")
	require.True(t, ok)
	require.Equal(t, SourceQa, d.Source)
	require.Equal(t, "q-1", d.Ref)
	require.Contains(t, rev.QaReports, "q-1")
	require.Equal(t, now, rev.UpdatedAt)
}

func TestCheckDecisionsDetectsDuplicates(t *testing.T) {
	rev := newTestReview()
	rev.ApprovedDataPointIDs["x"] = "ds-1/x"
	rev.ApprovedCustomDataPointIDs["x"] = "5"
	require.ErrorIs(t, rev.CheckDecisions([]string{"x"}), shared.ErrConflict)
}

func TestLifecycle(t *testing.T) {
	now := time.Unix(10, 0)
	scope := []string{"x", "y"}

	rev := newTestReview()
	require.NoError(t, rev.Decide("x", Decision{Source: SourceCustom, Ref: "5"}, now))
	var incomplete *shared.IncompleteReviewError
	require.ErrorAs(t, rev.Finish(scope, nil, now), &incomplete)
	require.Equal(t, []string{"y"}, incomplete.Undecided)
	require.Equal(t, StatusPending, rev.Status)

	require.NoError(t, rev.Decide("y", Decision{Source: SourceOriginal, Ref: "ds-1/y"}, now))
	require.NoError(t, rev.Finish(scope, nil, now))
	require.Equal(t, StatusFinished, rev.Status)
	require.NotNil(t, rev.ClosedAt)
	require.NoError(t, rev.CheckDecisions(scope))

	require.ErrorIs(t, rev.Decide("x", Decision{Source: SourceCustom, Ref: "6"}, now), shared.ErrConflict)
	require.ErrorIs(t, rev.Abort("late", now), shared.ErrConflict)
	require.ErrorIs(t, rev.Finish(scope, nil, now), shared.ErrConflict)

	aborted := newTestReview()
	require.NoError(t, aborted.Abort("dup", now))
	require.ErrorIs(t, aborted.Decide("x", Decision{Source: SourceCustom, Ref: "1"}, now), shared.ErrConflict)
}

func TestResolve(t *testing.T) {
	original := qastatus.DataPoint{DataPointID: "ds-1/x", Value: "7"}
	corrected := "9"
	cases := []struct {
		name   string
		d      Decision
		value  string
		status qastatus.QaStatus
	}{
		{"original", Decision{Source: SourceOriginal, Ref: "ds-1/x"}, "7", qastatus.StatusAccepted},
		{"custom", Decision{Source: SourceCustom, Ref: "3"}, "3", qastatus.StatusAccepted},
		{"qa with correction", Decision{Source: SourceQa, Ref: "q", Report: &qareports.Report{QaReportID: "q", Verdict: qareports.QaRejected, CorrectedData: &corrected}}, "9", qastatus.StatusAccepted},
		{"qa rejected", Decision{Source: SourceQa, Ref: "q", Report: &qareports.Report{QaReportID: "q", Verdict: qareports.QaRejected}}, "7", qastatus.StatusRejected},
		{"qa not attempted", Decision{Source: SourceQa, Ref: "q", Report: &qareports.Report{QaReportID: "q", Verdict: qareports.QaNotAttempted}}, "7", qastatus.StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := resolve("x", tc.d, original)
			require.Equal(t, tc.value, got.Value)
			require.Equal(t, tc.status, got.QaStatus)
		})
	}
}
