// Package report exports a run's before/after comparison as an xlsx
// workbook for auditors.
package report

import (
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/bookout-recon/internal/session"
)

// Sheet names.
const (
	SheetSummary   = "Summary"
	SheetLineItems = "Line Items"
	SheetTimeline  = "Timeline"
)

// Build lays the comparison out on three sheets.
func Build(cmp *session.Comparison) (*xlsx.File, error) {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return nil, eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "Metric", "Original", "Current", "Delta")
	o, c := cmp.Original.Meta.Totals, cmp.Current.Meta.Totals
	addNumbers(summary, "Trade-in", o.Trade, c.Trade, cmp.TotalsDelta.Trade)
	addNumbers(summary, "Retail", o.Retail, c.Retail, cmp.TotalsDelta.Retail)
	addNumbers(summary, "Loan", o.Loan, c.Loan, cmp.TotalsDelta.Loan)
	addNumbers(summary, "Selected items",
		int64(cmp.Original.Meta.SelectedLineItems), int64(cmp.Current.Meta.SelectedLineItems),
		int64(cmp.Current.Meta.SelectedLineItems-cmp.Original.Meta.SelectedLineItems))
	addRow(summary)
	addRow(summary, "Run", cmp.RunID)
	addRow(summary, "Snapshot", cmp.Original.SnapshotID)
	addRow(summary, "Changes", strconv.Itoa(cmp.Summary.TotalChanges))
	addRow(summary, "Value impact", strconv.FormatInt(cmp.Summary.ValueImpact, 10))

	items, err := f.AddSheet(SheetLineItems)
	if err != nil {
		return nil, eris.Wrap(err, "report: add line items sheet")
	}
	addRow(items, "Code", "Name", "Was selected", "Is selected", "Was available", "Is available")
	for _, d := range cmp.Differences {
		addRow(items, d.Code, d.Name, yesNo(d.WasSelected), yesNo(d.IsSelected), yesNo(d.WasAvailable), yesNo(d.IsAvailable))
	}

	timeline, err := f.AddSheet(SheetTimeline)
	if err != nil {
		return nil, eris.Wrap(err, "report: add timeline sheet")
	}
	addRow(timeline, "Seq", "Type", "Entity", "Field", "Before", "After", "Trade delta", "Reason", "At")
	for _, e := range cmp.Timeline {
		row := timeline.AddRow()
		row.AddCell().SetInt(e.Sequence)
		for _, s := range []string{string(e.ChangeType), e.EntityID, e.Field, e.Before, e.After} {
			row.AddCell().SetString(s)
		}
		row.AddCell().SetInt64(e.Delta.Trade)
		row.AddCell().SetString(e.Reason)
		row.AddCell().SetString(e.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return f, nil
}

// Write streams the workbook for cmp to w.
func Write(w io.Writer, cmp *session.Comparison) error {
	f, err := Build(cmp)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "report: write workbook")
}

// Save writes the workbook for cmp to path.
func Save(path string, cmp *session.Comparison) error {
	f, err := Build(cmp)
	if err != nil {
		return err
	}
	return eris.Wrapf(f.Save(path), "report: save %s", path)
}

// ReadSheet returns a sheet of a saved workbook as rows of strings.
func ReadSheet(path, sheet string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "report: open workbook")
	}
	s, ok := f.Sheet[sheet]
	if !ok {
		return nil, eris.Errorf("report: sheet %q not found", sheet)
	}
	rows := make([][]string, 0, len(s.Rows))
	for _, row := range s.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func addRow(s *xlsx.Sheet, cells ...string) {
	row := s.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func addNumbers(s *xlsx.Sheet, label string, nums ...int64) {
	row := s.AddRow()
	row.AddCell().SetString(label)
	for _, n := range nums {
		row.AddCell().SetInt64(n)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
