// Package metadata keeps the backend's read model of dataset meta information:
// which dataset of a triple is currently active and which triples cannot be
// sourced at all.
package metadata

import (
	"fmt"
	"time"

	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/shared"
)

// MetaInformation is the metadata row of one dataset.
type MetaInformation struct {
	DataID          string            `json:"dataId"`
	Triple          qastatus.Triple   `json:"triple"`
	QaStatus        qastatus.QaStatus `json:"qaStatus"`
	CurrentlyActive bool              `json:"currentlyActive"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// NonSourceableInfo marks a triple as impossible to source. It overrides any
// QA status of the triple's datasets until cleared.
type NonSourceableInfo struct {
	Triple          qastatus.Triple `json:"triple"`
	IsNonSourceable bool            `json:"isNonSourceable"`
	Reason          string          `json:"reason,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ErrMetaNotFound is returned for data ids without a metadata row.
var ErrMetaNotFound = fmt.Errorf("metadata: dataset: %w", shared.ErrNotFound)
