// Package notifications records elementary upload events and folds them into
// deduplicated notifications.
package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/esgqa/qa-engine/internal/shared"
)

// EventType classifies elementary events. Bundling never mixes types.
type EventType string

const (
	EventUploadApproved EventType = "UploadApproved"
	EventNonSourceable  EventType = "NonSourceable"
)

// ActionType is the action an upstream producer reports in an UploadNotice.
type ActionType string

const (
	ActionUpload        ActionType = "Upload"
	ActionNonSourceable ActionType = "NonSourceable"
)

// EventType maps an action to the event it records.
func (a ActionType) EventType() (EventType, error) {
	switch a {
	case ActionUpload:
		return EventUploadApproved, nil
	case ActionNonSourceable:
		return EventNonSourceable, nil
	}
	return "", shared.InvalidInput("unknown actionType %q", a)
}

// UploadNotice is an upload-completion notice. Either DataID or the full
// triple identifies the upload.
type UploadNotice struct {
	DataID          string     `json:"dataId,omitempty"`
	CompanyID       string     `json:"companyId,omitempty" validate:"required_without=DataID"`
	DataType        string     `json:"dataType,omitempty" validate:"required_without=DataID"`
	ReportingPeriod string     `json:"reportingPeriod,omitempty" validate:"required_without=DataID"`
	ActionType      ActionType `json:"actionType" validate:"required"`
}

// ElementaryEvent is the internal record of one upload. NotificationEventID is
// set exactly once, when the event is folded into a notification.
type ElementaryEvent struct {
	ID                  uuid.UUID  `json:"id"`
	Type                EventType  `json:"elementaryEventType"`
	CompanyID           string     `json:"companyId"`
	Framework           string     `json:"framework"`
	ReportingPeriod     string     `json:"reportingPeriod"`
	DataID              string     `json:"dataId,omitempty"`
	CreatedAt           time.Time  `json:"creationTimestamp"`
	NotificationEventID *uuid.UUID `json:"notificationEventId,omitempty"`
}

// NotificationEvent bundles the events of one company and type.
type NotificationEvent struct {
	ID        uuid.UUID   `json:"id"`
	CompanyID string      `json:"companyId"`
	Type      EventType   `json:"elementaryEventType"`
	EventIDs  []uuid.UUID `json:"eventIds"`
	CreatedAt time.Time   `json:"createdAt"`

	// DispatchedAt is set once the send task is queued.
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
}

// Scope is one (company, type) pair that has unnotified events.
type Scope struct {
	CompanyID string
	Type      EventType
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s", s.CompanyID, s.Type)
}

// normalizeKey trims and composes identifiers so equal keys compare equal.
func normalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
