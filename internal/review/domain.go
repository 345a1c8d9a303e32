// Package review implements the DatasetReview aggregate that reconciles every
// data point of one dataset into a single authoritative value.
package review

import (
	"sort"
	"time"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// Status is the lifecycle state of a review. Finished and Aborted are terminal.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusFinished Status = "Finished"
	StatusAborted  Status = "Aborted"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// Source names where the accepted value of a data point comes from.
type Source string

const (
	SourceOriginal Source = "Original"
	SourceQa       Source = "Qa"
	SourceCustom   Source = "Custom"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceOriginal, SourceQa, SourceCustom:
		return true
	}
	return false
}

// Decision is the accepted source of one data point type.
type Decision struct {
	Source Source
	// Ref is the data point id (Original), the report id (Qa) or the literal value (Custom).
	Ref string
	// Report is the snapshot of the chosen report when Source is Qa.
	Report *qareports.Report
}

// ResolvedDataPoint is the authoritative value of one data point after finish.
type ResolvedDataPoint struct {
	DataPointType string            `json:"dataPointType"`
	Source        Source            `json:"source"`
	Reference     string            `json:"reference,omitempty"`
	Value         string            `json:"value"`
	QaStatus      qastatus.QaStatus `json:"qaStatus"`
}

// DatasetReview is the reconciliation aggregate of one dataset.
type DatasetReview struct {
	DataSetReviewID            string                      `json:"dataSetReviewId"`
	DatasetID                  string                      `json:"datasetId"`
	CompanyID                  string                      `json:"companyId"`
	DataType                   string                      `json:"dataType"`
	ReportingPeriod            string                      `json:"reportingPeriod"`
	Status                     Status                      `json:"status"`
	ReviewerUserID             string                      `json:"reviewerUserId"`
	PreapprovedDataPointIDs    []string                    `json:"preapprovedDataPointIds"`
	QaReports                  map[string]qareports.Report `json:"qaReports"`
	ApprovedQaReportIDs        map[string]string           `json:"approvedQaReportIds"`
	ApprovedDataPointIDs       map[string]string           `json:"approvedDataPointIds"`
	ApprovedCustomDataPointIDs map[string]string           `json:"approvedCustomDataPointIds"`
	Resolved                   []ResolvedDataPoint         `json:"resolved,omitempty"`
	AbortReason                string                      `json:"abortReason,omitempty"`
	CreatedAt                  time.Time                   `json:"createdAt"`
	UpdatedAt                  time.Time                   `json:"updatedAt"`
	ClosedAt                   *time.Time                  `json:"closedAt,omitempty"`
}

// NewDatasetReview opens a Pending review of ds.
func NewDatasetReview(id string, ds qastatus.Dataset, reviewerUserID string, preapproved []string, now time.Time) DatasetReview {
	pre := append([]string(nil), preapproved...)
	sort.Strings(pre)
	return DatasetReview{
		DataSetReviewID:            id,
		DatasetID:                  ds.DataID,
		CompanyID:                  ds.Triple.CompanyID,
		DataType:                   ds.Triple.DataType,
		ReportingPeriod:            ds.Triple.ReportingPeriod,
		Status:                     StatusPending,
		ReviewerUserID:             reviewerUserID,
		PreapprovedDataPointIDs:    pre,
		QaReports:                  make(map[string]qareports.Report),
		ApprovedQaReportIDs:        make(map[string]string),
		ApprovedDataPointIDs:       make(map[string]string),
		ApprovedCustomDataPointIDs: make(map[string]string),
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
}

// Triple returns the triple the reviewed dataset competes for.
func (r *DatasetReview) Triple() qastatus.Triple {
	return qastatus.Triple{CompanyID: r.CompanyID, DataType: r.DataType, ReportingPeriod: r.ReportingPeriod}
}

func (r *DatasetReview) ensureMaps() {
	if r.QaReports == nil {
		r.QaReports = make(map[string]qareports.Report)
	}
	if r.ApprovedQaReportIDs == nil {
		r.ApprovedQaReportIDs = make(map[string]string)
	}
	if r.ApprovedDataPointIDs == nil {
		r.ApprovedDataPointIDs = make(map[string]string)
	}
	if r.ApprovedCustomDataPointIDs == nil {
		r.ApprovedCustomDataPointIDs = make(map[string]string)
	}
}

func (r *DatasetReview) mutable() error {
	if r.Status.Terminal() {
		return shared.Conflict("review %s is %s", r.DataSetReviewID, r.Status)
	}
	return nil
}

// Decide records d for dataPointType, replacing any earlier decision.
func (r *DatasetReview) Decide(dataPointType string, d Decision, now time.Time) error {
	if err := r.mutable(); err != nil {
		return err
	}
	if dataPointType == "" {
		return shared.InvalidInput("dataPointType is required")
	}
	switch d.Source {
	case SourceOriginal, SourceCustom:
	case SourceQa:
		if d.Report == nil || d.Report.QaReportID != d.Ref {
			return shared.InvalidInput("qa decision for %s needs the chosen report", dataPointType)
		}
	default:
		return shared.InvalidInput("unknown source %q", d.Source)
	}

	r.ensureMaps()
	r.clear(dataPointType)
	switch d.Source {
	case SourceOriginal:
		r.ApprovedDataPointIDs[dataPointType] = d.Ref
	case SourceQa:
		r.ApprovedQaReportIDs[dataPointType] = d.Ref
		r.QaReports[d.Ref] = *d.Report
	case SourceCustom:
		r.ApprovedCustomDataPointIDs[dataPointType] = d.Ref
	}
	r.UpdatedAt = now
	return nil
}

func (r *DatasetReview) clear(dataPointType string) {
	if id, ok := r.ApprovedQaReportIDs[dataPointType]; ok {
		delete(r.ApprovedQaReportIDs, dataPointType)
		stillUsed := false
		for _, other := range r.ApprovedQaReportIDs {
			if other == id {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			delete(r.QaReports, id)
		}
	}
	delete(r.ApprovedDataPointIDs, dataPointType)
	delete(r.ApprovedCustomDataPointIDs, dataPointType)
}

// Decision returns the current decision for dataPointType.
func (r *DatasetReview) Decision(dataPointType string) (Decision, bool) {
	if id, ok := r.ApprovedQaReportIDs[dataPointType]; ok {
		rep, found := r.QaReports[id]
		d := Decision{Source: SourceQa, Ref: id}
		if found {
			d.Report = &rep
		}
		return d, true
	}
	if id, ok := r.ApprovedDataPointIDs[dataPointType]; ok {
		return Decision{Source: SourceOriginal, Ref: id}, true
	}
	if v, ok := r.ApprovedCustomDataPointIDs[dataPointType]; ok {
		return Decision{Source: SourceCustom, Ref: v}, true
	}
	return Decision{}, false
}

// decisionCount returns how many approval maps mention dataPointType.
func (r *DatasetReview) decisionCount(dataPointType string) int {
	n := 0
	if _, ok := r.ApprovedQaReportIDs[dataPointType]; ok {
		n++
	}
	if _, ok := r.ApprovedDataPointIDs[dataPointType]; ok {
		n++
	}
	if _, ok := r.ApprovedCustomDataPointIDs[dataPointType]; ok {
		n++
	}
	return n
}

// Undecided lists the in-scope types without a decision, sorted.
func (r *DatasetReview) Undecided(scope []string) []string {
	var out []string
	for _, t := range scope {
		if r.decisionCount(t) == 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// CheckDecisions verifies that every type has at most one decision and, for a
// finished review, that every in-scope type has exactly one.
func (r *DatasetReview) CheckDecisions(scope []string) error {
	types := make(map[string]struct{})
	for _, m := range []map[string]string{r.ApprovedQaReportIDs, r.ApprovedDataPointIDs, r.ApprovedCustomDataPointIDs} {
		for t := range m {
			types[t] = struct{}{}
		}
	}
	for t := range types {
		if r.decisionCount(t) > 1 {
			return shared.Conflict("data point type %s has more than one decision", t)
		}
	}
	if r.Status == StatusFinished {
		if undecided := r.Undecided(scope); len(undecided) > 0 {
			return &shared.IncompleteReviewError{Undecided: undecided}
		}
	}
	return nil
}

// Finish moves the review to Finished. Every in-scope type must be decided;
// otherwise the review stays Pending and the undecided types are reported.
func (r *DatasetReview) Finish(scope []string, resolved []ResolvedDataPoint, now time.Time) error {
	if err := r.mutable(); err != nil {
		return err
	}
	if undecided := r.Undecided(scope); len(undecided) > 0 {
		return &shared.IncompleteReviewError{Undecided: undecided}
	}
	r.Status = StatusFinished
	r.Resolved = resolved
	r.UpdatedAt = now
	r.ClosedAt = &now
	return nil
}

// Abort cancels the review. It has no side effects outside the aggregate.
func (r *DatasetReview) Abort(reason string, now time.Time) error {
	if err := r.mutable(); err != nil {
		return err
	}
	r.Status = StatusAborted
	r.AbortReason = reason
	r.UpdatedAt = now
	r.ClosedAt = &now
	return nil
}

// Clone returns a deep copy.
func (r DatasetReview) Clone() DatasetReview {
	out := r
	out.PreapprovedDataPointIDs = append([]string(nil), r.PreapprovedDataPointIDs...)
	out.Resolved = append([]ResolvedDataPoint(nil), r.Resolved...)
	out.QaReports = make(map[string]qareports.Report, len(r.QaReports))
	for k, v := range r.QaReports {
		out.QaReports[k] = v
	}
	out.ApprovedQaReportIDs = copyMap(r.ApprovedQaReportIDs)
	out.ApprovedDataPointIDs = copyMap(r.ApprovedDataPointIDs)
	out.ApprovedCustomDataPointIDs = copyMap(r.ApprovedCustomDataPointIDs)
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AcceptInput records one decision.
type AcceptInput struct {
	ReviewID      string
	DataPointType string
	Source        Source
	Ref           string
	ActorID       string
}

// Outcome is handed to the notification collaborator after finish.
type Outcome struct {
	ReviewID       string                    `json:"reviewId"`
	DatasetID      string                    `json:"datasetId"`
	Triple         qastatus.Triple           `json:"triple"`
	ReviewerUserID string                    `json:"reviewerUserId"`
	FinishedAt     time.Time                 `json:"finishedAt"`
	DataPoints     []ResolvedDataPoint       `json:"dataPoints"`
	StatusChanges  []messaging.QaStatusChange `json:"statusChanges,omitempty"`
}

// resolve derives the authoritative value and data point status of one decision.
func resolve(dataPointType string, d Decision, original qastatus.DataPoint) ResolvedDataPoint {
	out := ResolvedDataPoint{DataPointType: dataPointType, Source: d.Source}
	switch d.Source {
	case SourceOriginal:
		out.Reference = original.DataPointID
		out.Value = original.Value
		out.QaStatus = qastatus.StatusAccepted
	case SourceQa:
		out.Reference = d.Ref
		out.Value = original.Value
		out.QaStatus = qastatus.StatusPending
		if d.Report != nil {
			if d.Report.CorrectedData != nil {
				out.Value = *d.Report.CorrectedData
				out.QaStatus = qastatus.StatusAccepted
			} else if status, ok := d.Report.Verdict.QaStatus(); ok {
				out.QaStatus = status
			}
		}
	case SourceCustom:
		out.Value = d.Ref
		out.QaStatus = qastatus.StatusAccepted
	}
	return out
}
