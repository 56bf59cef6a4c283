// Package snapshot captures immutable point-in-time copies of a valuation and
// its line items and restores live records from them.
package snapshot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/store"
)

// Service creates and restores snapshots. All methods take the Repo to act
// on so callers can bind them to an open transaction.
type Service struct {
	nowFunc func() time.Time
}

// New returns a Service using the wall clock.
func New() *Service {
	return &Service{nowFunc: time.Now}
}

// WithClock overrides the clock used for CreatedAt stamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

// Create reads the valuation and all its line items and persists them as one
// immutable record owned by runID. The live valuation is not touched.
func (s *Service) Create(ctx context.Context, repo store.Repo, runID, valuationID, reason, description string) (*model.Snapshot, error) {
	v, err := repo.GetValuation(ctx, valuationID)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: load valuation")
	}
	items, err := repo.ListLineItems(ctx, valuationID)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: load line items")
	}

	snap := &model.Snapshot{
		ID:              uuid.New().String(),
		ValidationRunID: runID,
		ValuationID:     valuationID,
		Reason:          reason,
		Description:     description,
		Data: model.SnapshotData{
			Valuation: *v,
			LineItems: items,
			Meta:      Meta(v.Values, items),
		},
		CreatedAt: s.nowFunc().UTC(),
	}
	if err := repo.InsertSnapshot(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "snapshot: insert")
	}

	zap.L().Info("snapshot: created",
		zap.String("snapshot_id", snap.ID),
		zap.String("run_id", runID),
		zap.String("valuation_id", valuationID),
		zap.String("reason", reason),
		zap.Int("line_items", len(items)),
	)
	return snap, nil
}

// Ensure returns the run's snapshot, creating it first when the run has none.
// The boolean reports whether a new snapshot was written.
func (s *Service) Ensure(ctx context.Context, repo store.Repo, runID, valuationID, reason string) (*model.Snapshot, bool, error) {
	existing, err := repo.GetSnapshotByRun(ctx, runID)
	if err != nil {
		return nil, false, eris.Wrap(err, "snapshot: lookup by run")
	}
	if existing != nil {
		return existing, false, nil
	}
	snap, err := s.Create(ctx, repo, runID, valuationID, reason, "")
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Restore overwrites the live valuation values and every line item's
// selected/available flags with the snapshot's copy. It is a full overwrite,
// and a missing line item fails the whole restore, so callers run it inside
// one transaction. Restore does not write ledger entries.
func (s *Service) Restore(ctx context.Context, repo store.Repo, snapshotID string) (*model.Snapshot, error) {
	snap, err := repo.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: load")
	}
	if err := s.apply(ctx, repo, snap); err != nil {
		return nil, err
	}
	zap.L().Info("snapshot: restored",
		zap.String("snapshot_id", snap.ID),
		zap.String("valuation_id", snap.ValuationID),
	)
	return snap, nil
}

func (s *Service) apply(ctx context.Context, repo store.Repo, snap *model.Snapshot) error {
	if err := repo.UpdateValuationValues(ctx, snap.ValuationID, snap.Data.Valuation.Values); err != nil {
		return eris.Wrap(err, "snapshot: restore valuation values")
	}
	states := make([]store.LineItemState, len(snap.Data.LineItems))
	for i, li := range snap.Data.LineItems {
		states[i] = store.LineItemState{
			ID:          li.ID,
			IsSelected:  li.IsSelected,
			IsAvailable: li.IsAvailable,
		}
	}
	if err := repo.UpdateLineItemStates(ctx, states); err != nil {
		return eris.Wrap(err, "snapshot: restore line items")
	}
	return nil
}

// Meta derives the reporting metadata stored alongside a snapshot.
func Meta(values model.ValuationValues, items []model.LineItem) model.SnapshotMeta {
	return model.SnapshotMeta{
		TotalLineItems:    len(items),
		SelectedLineItems: model.CountSelected(items),
		Totals:            values.Totals(),
	}
}
