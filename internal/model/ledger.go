package model

import "time"

// ChangeType classifies a ledger entry.
type ChangeType string

const (
	ChangeLineItemSelected   ChangeType = "line_item_selected"
	ChangeLineItemDeselected ChangeType = "line_item_deselected"
	ChangeValueUpdated       ChangeType = "value_updated"
	ChangeFullRevaluation    ChangeType = "full_revaluation"
	ChangeRestoration        ChangeType = "restoration"
)

// Entity types referenced by ledger entries.
const (
	EntityLineItem  = "line_item"
	EntityValuation = "valuation"
)

// LedgerEntry is one recorded mutation. Entries are write-once; Sequence is
// assigned at commit and is contiguous within a validation run.
type LedgerEntry struct {
	ID              string        `json:"id"`
	ValidationRunID string        `json:"validation_run_id"`
	ValuationID     string        `json:"valuation_id"`
	Sequence        int           `json:"sequence"`
	ChangeType      ChangeType    `json:"change_type"`
	EntityType      string        `json:"entity_type"`
	EntityID        string        `json:"entity_id"`
	Field           string        `json:"field"`
	Before          string        `json:"before"`
	After           string        `json:"after"`
	Delta           Totals        `json:"delta"`
	Reason          string        `json:"reason"`
	Confidence      *float64      `json:"confidence,omitempty"`
	Verdict         VerdictStatus `json:"verdict,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ChangeSummary aggregates ledger entries for operators. ValueImpact sums
// trade-in deltas only; retail and loan are reported separately and are not
// folded into it.
type ChangeSummary struct {
	TotalChanges int   `json:"total_changes"`
	Selected     int   `json:"selected"`
	Deselected   int   `json:"deselected"`
	ValueImpact  int64 `json:"value_impact"`
	RetailImpact int64 `json:"retail_impact"`
	LoanImpact   int64 `json:"loan_impact"`
}
