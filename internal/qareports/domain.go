// Package qareports stores independently submitted QA reports against single
// data points. Reports are immutable; retraction only flips the active flag.
package qareports

import (
	"strings"
	"time"

	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// DataPointDimensions is the natural key of a data point.
type DataPointDimensions struct {
	CompanyID       string `json:"companyId" validate:"required"`
	DataPointType   string `json:"dataPointType" validate:"required"`
	ReportingPeriod string `json:"reportingPeriod" validate:"required"`
}

// Validate checks every component is present.
func (d DataPointDimensions) Validate() error {
	if strings.TrimSpace(d.CompanyID) == "" || strings.TrimSpace(d.DataPointType) == "" || strings.TrimSpace(d.ReportingPeriod) == "" {
		return shared.InvalidInput("companyId, dataPointType and reportingPeriod are required")
	}
	return nil
}

// Matches reports whether d addresses the given data point of triple.
func (d DataPointDimensions) Matches(triple qastatus.Triple, dataPointType string) bool {
	return strings.EqualFold(d.CompanyID, triple.CompanyID) &&
		d.ReportingPeriod == triple.ReportingPeriod &&
		d.DataPointType == dataPointType
}

// Verdict is a reviewer's judgement of one data point.
type Verdict string

const (
	QaAccepted     Verdict = "QaAccepted"
	QaRejected     Verdict = "QaRejected"
	QaInconclusive Verdict = "QaInconclusive"
	QaNotAttempted Verdict = "QaNotAttempted"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case QaAccepted, QaRejected, QaInconclusive, QaNotAttempted:
		return true
	}
	return false
}

// QaStatus maps the verdict onto a status. Inconclusive and not-attempted
// verdicts carry no status.
func (v Verdict) QaStatus() (qastatus.QaStatus, bool) {
	switch v {
	case QaAccepted:
		return qastatus.StatusAccepted, true
	case QaRejected:
		return qastatus.StatusRejected, true
	case QaInconclusive, QaNotAttempted:
		return "", false
	}
	return "", false
}

// CorrectionPolicy tells whether a verdict needs a corrected value.
type CorrectionPolicy int

const (
	CorrectionForbidden CorrectionPolicy = iota
	CorrectionOptional
	CorrectionRequired
)

// Correction returns the corrected-data policy of v. An accepting verdict
// carries the confirmed value; a rejection may suggest one.
func (v Verdict) Correction() CorrectionPolicy {
	switch v {
	case QaAccepted:
		return CorrectionRequired
	case QaRejected:
		return CorrectionOptional
	default:
		return CorrectionForbidden
	}
}

// Report is one reviewer's opinion about one data point.
type Report struct {
	QaReportID     string              `json:"qaReportId"`
	DataID         string              `json:"dataId"`
	DataType       string              `json:"dataType"`
	Dimensions     DataPointDimensions `json:"dataPointDimensions"`
	ReporterUserID string              `json:"reporterUserId"`
	UploadTime     time.Time           `json:"uploadTime"`
	Active         bool                `json:"active"`
	Comment        string              `json:"comment"`
	Verdict        Verdict             `json:"verdict"`
	CorrectedData  *string             `json:"correctedData"`
}

// SubmitInput carries a new report.
type SubmitInput struct {
	DataID         string  `json:"dataId" validate:"required"`
	DataPointType  string  `json:"dataPointType" validate:"required"`
	ReporterUserID string  `json:"-"`
	Verdict        Verdict `json:"verdict" validate:"required"`
	Comment        string  `json:"comment"`
	CorrectedData  *string `json:"correctedData"`
}

// Validate enforces required fields and the corrected-data policy.
func (in SubmitInput) Validate() error {
	if strings.TrimSpace(in.DataID) == "" || strings.TrimSpace(in.DataPointType) == "" {
		return shared.InvalidInput("dataId and dataPointType are required")
	}
	if strings.TrimSpace(in.ReporterUserID) == "" {
		return shared.InvalidInput("reporterUserId is required")
	}
	if !in.Verdict.Valid() {
		return shared.InvalidInput("unknown verdict %q", in.Verdict)
	}
	hasCorrection := in.CorrectedData != nil && strings.TrimSpace(*in.CorrectedData) != ""
	switch in.Verdict.Correction() {
	case CorrectionRequired:
		if !hasCorrection {
			return shared.InvalidInput("%s requires correctedData", in.Verdict)
		}
	case CorrectionForbidden:
		if in.CorrectedData != nil {
			return shared.InvalidInput("%s must not carry correctedData", in.Verdict)
		}
	case CorrectionOptional:
		if in.CorrectedData != nil && !hasCorrection {
			return shared.InvalidInput("correctedData must not be blank")
		}
	}
	return nil
}
