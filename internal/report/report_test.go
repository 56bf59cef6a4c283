package report

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/session"
	"github.com/sells-group/bookout-recon/internal/snapshot"
)

func testComparison() *session.Comparison {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	before := &model.Valuation{ID: "val-1", Values: model.ValuationValues{AdjCleanTrade: 20100, AdjCleanRetail: 23150, AdjLoan: 18050}}
	after := &model.Valuation{ID: "val-1", Values: model.ValuationValues{AdjCleanTrade: 20300, AdjCleanRetail: 23400, AdjLoan: 18200}}
	orig := snapshot.LiveView(before, []model.LineItem{{Code: "B", IsSelected: true}}, at)
	orig.SnapshotID = "snap-1"

	return &session.Comparison{
		RunID:    "run-1",
		Original: orig,
		Current:  snapshot.LiveView(after, []model.LineItem{{Code: "A", IsSelected: true}}, at),
		Differences: []session.Difference{
			{Code: "A", Name: "Option A", IsSelected: true, WasAvailable: true, IsAvailable: true},
			{Code: "B", Name: "Option B", WasSelected: true, WasAvailable: true},
		},
		TotalsDelta: model.Totals{Trade: 200, Retail: 250, Loan: 150},
		Timeline: []model.LedgerEntry{
			{Sequence: 1, ChangeType: model.ChangeLineItemSelected, EntityID: "li-a", Field: "is_selected", Before: "false", After: "true", Delta: model.Totals{Trade: 500}, Reason: "followed AI recommendation SELECT (CONFIRMED)", CreatedAt: at},
			{Sequence: 2, ChangeType: model.ChangeLineItemDeselected, EntityID: "li-b", Field: "is_selected", Before: "true", After: "false", Delta: model.Totals{Trade: -300}, CreatedAt: at},
		},
		Summary: model.ChangeSummary{TotalChanges: 2, ValueImpact: 200},
	}
}

func TestSaveAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmp.xlsx")
	require.NoError(t, Save(path, testComparison()))

	items, err := ReadSheet(path, SheetLineItems)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"Code", "Name", "Was selected", "Is selected", "Was available", "Is available"}, items[0])
	assert.Equal(t, []string{"A", "Option A", "no", "yes", "yes", "yes"}, items[1])
	assert.Equal(t, []string{"B", "Option B", "yes", "no", "yes", "no"}, items[2])

	timeline, err := ReadSheet(path, SheetTimeline)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, "1", timeline[1][0])
	assert.Equal(t, "line_item_selected", timeline[1][1])
	assert.Equal(t, "500", timeline[1][6])
	assert.Equal(t, "-300", timeline[2][6])

	summary, err := ReadSheet(path, SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Trade-in", "20100", "20300", "200"}, summary[1])
}

func TestReadSheet_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmp.xlsx")
	require.NoError(t, Save(path, testComparison()))
	_, err := ReadSheet(path, "Nope")
	assert.Error(t, err)
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testComparison()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")))
}
