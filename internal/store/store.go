package store

import (
	"context"
	"time"

	"github.com/sells-group/bookout-recon/internal/model"
)

// LineItemState is the mutable selection state of one line item.
type LineItemState struct {
	ID          string `json:"id"`
	IsSelected  bool   `json:"is_selected"`
	IsAvailable bool   `json:"is_available"`
}

// Repo is the persistence surface used by the reconciliation engine. Every
// Repo method runs either against the store directly or, inside InTx,
// against the open transaction.
type Repo interface {
	// Valuations
	CreateValuation(ctx context.Context, v *model.Valuation, items []model.LineItem) error
	GetValuation(ctx context.Context, id string) (*model.Valuation, error)
	LatestValuationID(ctx context.Context, vehicleID, provider string) (string, error)
	UpdateValuationValues(ctx context.Context, id string, values model.ValuationValues) error
	// LockValuation holds the valuation row until the enclosing transaction
	// ends. Outside a transaction it only checks that the row exists.
	LockValuation(ctx context.Context, id string) error

	// Line items
	ListLineItems(ctx context.Context, valuationID string) ([]model.LineItem, error)
	UpdateLineItemStates(ctx context.Context, states []LineItemState) error

	// Validation runs
	CreateValidationRun(ctx context.Context, run *model.ValidationRun) error
	GetValidationRun(ctx context.Context, id string) (*model.ValidationRun, error)

	// Snapshots
	InsertSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	GetSnapshotByRun(ctx context.Context, runID string) (*model.Snapshot, error)

	// Change ledger
	MaxLedgerSequence(ctx context.Context, runID string) (int, error)
	InsertLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, runID string) ([]model.LedgerEntry, error)

	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListPendingSessions(ctx context.Context, valuationID string) ([]model.Session, error)
	InsertOverrides(ctx context.Context, overrides []model.Override) error
	// ToggleOverride flips keep_original only while the session is pending.
	ToggleOverride(ctx context.Context, sessionID, code string) (*model.Override, error)
	ClaimSession(ctx context.Context, sessionID string, appliedAt time.Time, revaluationSource string) (bool, error)
}

// Store is a Repo that owns its connection and can run a function inside a
// single transaction.
type Store interface {
	Repo

	// InTx runs fn inside one transaction. The transaction commits only if fn
	// returns nil.
	InTx(ctx context.Context, fn func(Repo) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
