package review

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Decisions"

var exportHeader = []any{"Data point type", "Source", "Reference", "Value", "QA status", "QA reporter", "QA comment"}

// ExportXLSX renders the decisions of a review as a spreadsheet. Pending
// reviews export their decisions so far without resolved values.
func (s *Service) ExportXLSX(ctx context.Context, reviewID string) ([]byte, error) {
	rev, err := s.repo.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		return nil, err
	}

	resolved := make(map[string]ResolvedDataPoint, len(rev.Resolved))
	for _, rp := range rev.Resolved {
		resolved[rp.DataPointType] = rp
	}
	types := decidedTypes(rev)
	for i, t := range types {
		d, _ := rev.Decision(t)
		row := []any{t, string(d.Source), d.Ref, "", "", "", ""}
		if rp, ok := resolved[t]; ok {
			row[2] = rp.Reference
			row[3] = rp.Value
			row[4] = string(rp.QaStatus)
		}
		if d.Source == SourceCustom {
			row[2] = ""
			row[3] = d.Ref
		}
		if d.Report != nil {
			row[5] = d.Report.ReporterUserID
			row[6] = d.Report.Comment
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write review %s workbook: %w", reviewID, err)
	}
	return buf.Bytes(), nil
}

func decidedTypes(rev DatasetReview) []string {
	seen := make(map[string]struct{})
	for _, m := range []map[string]string{rev.ApprovedDataPointIDs, rev.ApprovedQaReportIDs, rev.ApprovedCustomDataPointIDs} {
		for t := range m {
			seen[t] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
