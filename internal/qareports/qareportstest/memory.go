// Package qareportstest provides an in-memory qareports repository for tests.
package qareportstest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qareports"
)

// Memory implements qareports.Repository.
type Memory struct {
	mu      sync.Mutex
	reports map[string]qareports.Report
	outbox  []messaging.Envelope
}

var _ qareports.Repository = (*Memory)(nil)

// New returns an empty repository.
func New() *Memory {
	return &Memory{reports: make(map[string]qareports.Report)}
}

// Outbox returns committed envelopes.
func (m *Memory) Outbox() []messaging.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messaging.Envelope(nil), m.outbox...)
}

// Count returns the number of stored reports.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

// WithTx implements qareports.Repository.
func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, qareports.TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{m: m, reports: make(map[string]qareports.Report)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, rep := range tx.reports {
		m.reports[id] = rep
	}
	m.outbox = append(m.outbox, tx.outbox...)
	return nil
}

// Get implements qareports.Repository.
func (m *Memory) Get(_ context.Context, id string) (qareports.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[id]
	if !ok {
		return qareports.Report{}, qareports.ErrReportNotFound
	}
	return rep, nil
}

// List implements qareports.Repository.
func (m *Memory) List(_ context.Context, filter qareports.ListFilter) ([]qareports.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []qareports.Report
	for _, rep := range m.reports {
		d := rep.Dimensions
		if !strings.EqualFold(d.CompanyID, filter.Dimensions.CompanyID) ||
			d.DataPointType != filter.Dimensions.DataPointType ||
			d.ReportingPeriod != filter.Dimensions.ReportingPeriod {
			continue
		}
		if filter.ActiveOnly && !rep.Active {
			continue
		}
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadTime.Equal(out[j].UploadTime) {
			return out[i].UploadTime.Before(out[j].UploadTime)
		}
		return out[i].QaReportID < out[j].QaReportID
	})
	return out, nil
}

type memoryTx struct {
	m       *Memory
	reports map[string]qareports.Report
	outbox  []messaging.Envelope
}

func (t *memoryTx) lookup(id string) (qareports.Report, bool) {
	if rep, ok := t.reports[id]; ok {
		return rep, true
	}
	rep, ok := t.m.reports[id]
	return rep, ok
}

func (t *memoryTx) AppendOutbox(_ context.Context, env messaging.Envelope) error {
	t.outbox = append(t.outbox, env)
	return nil
}

func (t *memoryTx) Insert(_ context.Context, rep qareports.Report) error {
	t.reports[rep.QaReportID] = rep
	return nil
}

func (t *memoryTx) GetForUpdate(_ context.Context, id string) (qareports.Report, error) {
	rep, ok := t.lookup(id)
	if !ok {
		return qareports.Report{}, qareports.ErrReportNotFound
	}
	return rep, nil
}

func (t *memoryTx) Deactivate(_ context.Context, id string) error {
	rep, ok := t.lookup(id)
	if !ok {
		return qareports.ErrReportNotFound
	}
	rep.Active = false
	t.reports[id] = rep
	return nil
}
