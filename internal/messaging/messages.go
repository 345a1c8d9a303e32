// Package messaging carries QA completion, status change and non-sourceable
// messages between services with at-least-once delivery.
package messaging

import "strings"

// Message types understood by the router.
const (
	TypeManualQaRequested    = "ManualQaRequested"
	TypeAutomatedQaCompleted = "AutomatedQaCompleted"
	TypeQaCompleted          = "QaCompleted"
	TypeQaStatusChange       = "QaStatusChange"
	TypeNonSourceable        = "NonSourceable"
)

// Action types.
const (
	ActionPublish = "Publish"
	ActionUpdate  = "Update"
)

// Message is implemented by every payload carried in an Envelope.
type Message interface {
	MessageType() string
	// DefaultOrderingKey is used when the producer supplies no explicit key.
	DefaultOrderingKey() string
}

// ManualQaRequested asks for human QA of a dataset. BypassQa accepts it directly.
type ManualQaRequested struct {
	ResourceID string `json:"resourceId" validate:"required"`
	BypassQa   *bool  `json:"bypassQa,omitempty"`
}

func (ManualQaRequested) MessageType() string          { return TypeManualQaRequested }
func (m ManualQaRequested) DefaultOrderingKey() string { return m.ResourceID }

// AutomatedQaCompleted reports an automated verdict for a dataset or data point.
// A nil QaStatus means the resource needs human review.
type AutomatedQaCompleted struct {
	ResourceID string  `json:"resourceId" validate:"required"`
	QaStatus   *string `json:"qaStatus,omitempty" validate:"omitempty,oneof=Pending Accepted Rejected"`
	ReviewerID string  `json:"reviewerId" validate:"required"`
	BypassQa   bool    `json:"bypassQa"`
	Comment    string  `json:"comment"`
}

func (AutomatedQaCompleted) MessageType() string          { return TypeAutomatedQaCompleted }
func (m AutomatedQaCompleted) DefaultOrderingKey() string { return m.ResourceID }

// QaCompleted applies a final validation result to a dataset.
type QaCompleted struct {
	Identifier       string  `json:"identifier" validate:"required"`
	ValidationResult string  `json:"validationResult" validate:"required,oneof=Pending Accepted Rejected"`
	ReviewerID       string  `json:"reviewerId" validate:"required"`
	Message          *string `json:"message,omitempty"`
}

func (QaCompleted) MessageType() string          { return TypeQaCompleted }
func (m QaCompleted) DefaultOrderingKey() string { return m.Identifier }

// QaStatusChange announces a dataset status change together with the
// resulting active dataset of its triple.
type QaStatusChange struct {
	DataID                string  `json:"dataId" validate:"required"`
	UpdatedQaStatus       string  `json:"updatedQaStatus" validate:"required,oneof=Pending Accepted Rejected"`
	CurrentlyActiveDataID *string `json:"currentlyActiveDataId"`
}

func (QaStatusChange) MessageType() string          { return TypeQaStatusChange }
func (m QaStatusChange) DefaultOrderingKey() string { return m.DataID }

// NonSourceable marks a triple as impossible to source, or clears the mark.
type NonSourceable struct {
	CompanyID       string `json:"companyId" validate:"required"`
	DataType        string `json:"dataType" validate:"required"`
	ReportingPeriod string `json:"reportingPeriod" validate:"required"`
	IsNonSourceable bool   `json:"isNonSourceable"`
	Reason          string `json:"reason"`
}

func (NonSourceable) MessageType() string { return TypeNonSourceable }
func (m NonSourceable) DefaultOrderingKey() string {
	return TripleKey(m.CompanyID, m.DataType, m.ReportingPeriod)
}

// TripleKey is the ordering key shared by every message about one
// (company, data type, reporting period) triple.
func TripleKey(companyID, dataType, reportingPeriod string) string {
	return strings.ToLower(strings.TrimSpace(companyID)) + "|" +
		strings.ToLower(strings.TrimSpace(dataType)) + "|" +
		strings.TrimSpace(reportingPeriod)
}
