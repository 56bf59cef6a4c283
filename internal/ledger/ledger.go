// Package ledger records every mutation made while acting on one validation
// run. Entries are buffered in memory and written in one batch at commit.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/store"
)

// Ledger buffers entries for a single validation run.
type Ledger struct {
	runID       string
	valuationID string
	nowFunc     func() time.Time
	pending     []model.LedgerEntry
}

// New returns an empty ledger for the run.
func New(runID, valuationID string) *Ledger {
	return &Ledger{
		runID:       runID,
		valuationID: valuationID,
		nowFunc:     time.Now,
	}
}

// WithClock overrides the clock used for CreatedAt stamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.nowFunc = now
	return l
}

// EntryOption decorates a selection change entry.
type EntryOption func(*model.LedgerEntry)

// WithConfidence attaches the AI confidence behind the change.
func WithConfidence(c float64) EntryOption {
	return func(e *model.LedgerEntry) {
		c = model.ClampConfidence(c)
		e.Confidence = &c
	}
}

// WithVerdict attaches the AI verdict behind the change.
func WithVerdict(v model.VerdictStatus) EntryOption {
	return func(e *model.LedgerEntry) {
		e.Verdict = v
	}
}

// LogSelectionChange buffers a line item selection flip. The delta is the
// item's adjustment, positive when selected and negative when deselected.
func (l *Ledger) LogSelectionChange(item model.LineItem, selected bool, reason string, opts ...EntryOption) {
	ct := model.ChangeLineItemSelected
	delta := item.Adjustment()
	if !selected {
		ct = model.ChangeLineItemDeselected
		delta = model.Totals{}.Sub(delta)
	}
	e := l.entry(ct, model.EntityLineItem, item.ID, "is_selected", strconv.FormatBool(!selected), strconv.FormatBool(selected), reason)
	e.Delta = delta
	for _, opt := range opts {
		opt(&e)
	}
	l.pending = append(l.pending, e)
}

// LogValueChange buffers a single valuation field change.
func (l *Ledger) LogValueChange(field string, before, after int64, reason string) {
	e := l.entry(model.ChangeValueUpdated, model.EntityValuation, l.valuationID, field,
		strconv.FormatInt(before, 10), strconv.FormatInt(after, 10), reason)
	d := after - before
	switch field {
	case FieldAdjCleanTrade:
		e.Delta.Trade = d
	case FieldAdjCleanRetail:
		e.Delta.Retail = d
	case FieldAdjLoan:
		e.Delta.Loan = d
	}
	l.pending = append(l.pending, e)
}

// LogValuesChange buffers one value_updated entry per valuation field that
// differs between before and after, in a fixed field order, and returns how
// many it buffered.
func (l *Ledger) LogValuesChange(before, after model.ValuationValues, reason string) int {
	n := 0
	for _, f := range valueFields {
		b, a := f.get(before), f.get(after)
		if b == a {
			continue
		}
		l.LogValueChange(f.name, b, a, reason)
		n++
	}
	return n
}

// LogRevaluation buffers the before/after headline totals of a revaluation.
func (l *Ledger) LogRevaluation(before, after model.Totals, reason string) {
	e := l.entry(model.ChangeFullRevaluation, model.EntityValuation, l.valuationID, "totals",
		formatTotals(before), formatTotals(after), reason)
	e.Delta = after.Sub(before)
	l.pending = append(l.pending, e)
}

// LogRestoration buffers a rollback to the given snapshot.
func (l *Ledger) LogRestoration(snapshotID string, before, after model.Totals, reason string) {
	e := l.entry(model.ChangeRestoration, model.EntityValuation, l.valuationID, "snapshot:"+snapshotID,
		formatTotals(before), formatTotals(after), reason)
	e.Delta = after.Sub(before)
	l.pending = append(l.pending, e)
}

// Valuation fields tracked by LogValueChange deltas.
const (
	FieldAdjCleanTrade  = "adj_clean_trade"
	FieldAdjCleanRetail = "adj_clean_retail"
	FieldAdjLoan        = "adj_loan"
)

var valueFields = []struct {
	name string
	get  func(model.ValuationValues) int64
}{
	{"base_clean_trade", func(v model.ValuationValues) int64 { return v.BaseCleanTrade }},
	{"base_average_trade", func(v model.ValuationValues) int64 { return v.BaseAverageTrade }},
	{"base_rough_trade", func(v model.ValuationValues) int64 { return v.BaseRoughTrade }},
	{"base_clean_retail", func(v model.ValuationValues) int64 { return v.BaseCleanRetail }},
	{"base_loan", func(v model.ValuationValues) int64 { return v.BaseLoan }},
	{"mileage_adj", func(v model.ValuationValues) int64 { return v.MileageAdj }},
	{FieldAdjCleanTrade, func(v model.ValuationValues) int64 { return v.AdjCleanTrade }},
	{"adj_average_trade", func(v model.ValuationValues) int64 { return v.AdjAverageTrade }},
	{"adj_rough_trade", func(v model.ValuationValues) int64 { return v.AdjRoughTrade }},
	{FieldAdjCleanRetail, func(v model.ValuationValues) int64 { return v.AdjCleanRetail }},
	{FieldAdjLoan, func(v model.ValuationValues) int64 { return v.AdjLoan }},
}

func (l *Ledger) entry(ct model.ChangeType, entityType, entityID, field, before, after, reason string) model.LedgerEntry {
	return model.LedgerEntry{
		ValidationRunID: l.runID,
		ValuationID:     l.valuationID,
		Sequence:        len(l.pending) + 1,
		ChangeType:      ct,
		EntityType:      entityType,
		EntityID:        entityID,
		Field:           field,
		Before:          before,
		After:           after,
		Reason:          reason,
		CreatedAt:       l.nowFunc().UTC(),
	}
}

// Pending returns a copy of the buffered entries. Their sequence numbers are
// provisional until Commit.
func (l *Ledger) Pending() []model.LedgerEntry {
	out := make([]model.LedgerEntry, len(l.pending))
	copy(out, l.pending)
	return out
}

// Len returns the number of buffered entries.
func (l *Ledger) Len() int { return len(l.pending) }

// Commit writes all buffered entries in one batch. Sequence numbers continue
// from the highest already persisted for the run, so they stay contiguous
// across commits. Committing an empty ledger is a no-op.
func (l *Ledger) Commit(ctx context.Context, repo store.Repo) ([]model.LedgerEntry, error) {
	if len(l.pending) == 0 {
		return nil, nil
	}

	base, err := repo.MaxLedgerSequence(ctx, l.runID)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: read max sequence")
	}

	entries := l.Pending()
	for i := range entries {
		entries[i].ID = uuid.New().String()
		entries[i].Sequence = base + i + 1
	}
	if err := repo.InsertLedgerEntries(ctx, entries); err != nil {
		return nil, eris.Wrapf(err, "ledger: commit %d entries for run %s", len(entries), l.runID)
	}

	zap.L().Info("ledger: committed",
		zap.String("run_id", l.runID),
		zap.Int("entries", len(entries)),
		zap.Int("first_sequence", base+1),
	)
	l.pending = nil
	return entries, nil
}

// Summary aggregates the buffered entries.
func (l *Ledger) Summary() model.ChangeSummary {
	return Summarize(l.pending)
}

// Summarize aggregates entries for operator reporting. ValueImpact is the
// sum of trade-in deltas only; retail and loan are reported beside it and
// never folded in. When the entries carry value_updated rows, those measured
// changes are the impact and selection deltas are left out; otherwise the
// selection deltas are summed. Revaluation and restoration entries count
// toward TotalChanges but not toward the impacts.
func Summarize(entries []model.LedgerEntry) model.ChangeSummary {
	measured := false
	for _, e := range entries {
		if e.ChangeType == model.ChangeValueUpdated {
			measured = true
			break
		}
	}

	var s model.ChangeSummary
	for _, e := range entries {
		s.TotalChanges++
		switch e.ChangeType {
		case model.ChangeLineItemSelected:
			s.Selected++
			if measured {
				continue
			}
		case model.ChangeLineItemDeselected:
			s.Deselected++
			if measured {
				continue
			}
		case model.ChangeValueUpdated:
		default:
			continue
		}
		s.ValueImpact += e.Delta.Trade
		s.RetailImpact += e.Delta.Retail
		s.LoanImpact += e.Delta.Loan
	}
	return s
}

func formatTotals(t model.Totals) string {
	return fmt.Sprintf("trade=%d retail=%d loan=%d", t.Trade, t.Retail, t.Loan)
}
