// Package qastatus tracks QA status per dataset and data point and derives the
// currently active dataset of every (company, data type, reporting period) triple.
package qastatus

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/shared"
)

// QaStatus is the three-state status of a dataset or data point.
type QaStatus string

const (
	StatusPending  QaStatus = "Pending"
	StatusAccepted QaStatus = "Accepted"
	StatusRejected QaStatus = "Rejected"
)

// Valid reports whether s is one of the known states.
func (s QaStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// ParseStatus validates a wire value.
func ParseStatus(v string) (QaStatus, error) {
	s := QaStatus(v)
	if !s.Valid() {
		return "", shared.InvalidInput("unknown qa status %q", v)
	}
	return s, nil
}

// Triple identifies the slot a dataset competes for.
type Triple struct {
	CompanyID       string `json:"companyId"`
	DataType        string `json:"dataType"`
	ReportingPeriod string `json:"reportingPeriod"`
}

// Key is the normalised triple identifier used for locks, caches and ordering.
func (t Triple) Key() string {
	return messaging.TripleKey(t.CompanyID, t.DataType, t.ReportingPeriod)
}

// Validate checks that every component is present.
func (t Triple) Validate() error {
	if strings.TrimSpace(t.CompanyID) == "" || strings.TrimSpace(t.DataType) == "" || strings.TrimSpace(t.ReportingPeriod) == "" {
		return shared.InvalidInput("companyId, dataType and reportingPeriod are required")
	}
	return nil
}

func (t Triple) String() string {
	return fmt.Sprintf("%s/%s/%s", t.CompanyID, t.DataType, t.ReportingPeriod)
}

// Dataset is one upload for a triple.
type Dataset struct {
	DataID         string    `json:"dataId"`
	Triple         Triple    `json:"triple"`
	UploaderUserID string    `json:"uploaderUserId"`
	UploadTime     time.Time `json:"uploadTime"`
	QaStatus       QaStatus  `json:"qaStatus"`
}

// DataPoint is one decomposed fact of a dataset.
type DataPoint struct {
	DataPointID   string   `json:"dataPointId"`
	DataID        string   `json:"dataId"`
	DataPointType string   `json:"dataPointType"`
	Value         string   `json:"value"`
	QaStatus      QaStatus `json:"qaStatus"`
}

// StatusChange is one entry of the append-only status log.
type StatusChange struct {
	Seq        int64     `json:"seq"`
	DataID     string    `json:"dataId"`
	Triple     Triple    `json:"triple"`
	Status     QaStatus  `json:"status"`
	ReviewerID string    `json:"reviewerId"`
	Comment    string    `json:"comment,omitempty"`
	ChangedAt  time.Time `json:"changedAt"`
}

// Suggestion is an automated verdict that was not allowed to bypass human review.
type Suggestion struct {
	DataID      string    `json:"dataId"`
	DataPointID string    `json:"dataPointId,omitempty"`
	Status      QaStatus  `json:"status"`
	ReviewerID  string    `json:"reviewerId"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ChangeInput requests a dataset-level status change.
type ChangeInput struct {
	DataID     string
	Status     QaStatus
	ReviewerID string
	Comment    string
}

// Validate checks the input.
func (in ChangeInput) Validate() error {
	if strings.TrimSpace(in.DataID) == "" {
		return shared.InvalidInput("dataId is required")
	}
	if !in.Status.Valid() {
		return shared.InvalidInput("unknown qa status %q", in.Status)
	}
	if strings.TrimSpace(in.ReviewerID) == "" {
		return shared.InvalidInput("reviewerId is required")
	}
	return nil
}

// RegisterInput describes a freshly persisted upload.
type RegisterInput struct {
	DataID         string
	Triple         Triple
	UploaderUserID string
	DataPoints     map[string]string
	BypassQa       bool
}

var (
	// ErrDatasetNotFound is returned for unknown dataset ids.
	ErrDatasetNotFound = fmt.Errorf("qastatus: dataset: %w", shared.ErrNotFound)
	// ErrDataPointNotFound is returned for unknown data point ids or types.
	ErrDataPointNotFound = fmt.Errorf("qastatus: data point: %w", shared.ErrNotFound)
	// ErrDatasetExists is returned when a data id is registered twice.
	ErrDatasetExists = fmt.Errorf("qastatus: dataset already registered: %w", shared.ErrConflict)
)

// IsNotFound reports whether err is a dataset or data point lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}
