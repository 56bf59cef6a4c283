package model

import "time"

// Snapshot reasons.
const (
	SnapshotReasonPreValidation = "pre_validation"
	SnapshotReasonManual        = "manual"
)

// SnapshotMeta is derived data captured alongside a snapshot for reporting.
type SnapshotMeta struct {
	TotalLineItems    int    `json:"total_line_items"`
	SelectedLineItems int    `json:"selected_line_items"`
	Totals            Totals `json:"totals"`
}

// SnapshotData is the fully denormalized payload of a snapshot.
type SnapshotData struct {
	Valuation Valuation    `json:"valuation"`
	LineItems []LineItem   `json:"line_items"`
	Meta      SnapshotMeta `json:"meta"`
}

// Snapshot is an immutable point-in-time copy of a valuation and its line
// items, owned by one validation run.
type Snapshot struct {
	ID              string       `json:"id"`
	ValidationRunID string       `json:"validation_run_id"`
	ValuationID     string       `json:"valuation_id"`
	Reason          string       `json:"reason"`
	Description     string       `json:"description,omitempty"`
	Data            SnapshotData `json:"data"`
	CreatedAt       time.Time    `json:"created_at"`
}
