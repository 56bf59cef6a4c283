package session

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/ledger"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/snapshot"
	"github.com/sells-group/bookout-recon/internal/store"
)

// Difference is a line item whose state differs between the snapshot and
// the live valuation.
type Difference struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	WasSelected  bool   `json:"was_selected"`
	IsSelected   bool   `json:"is_selected"`
	WasAvailable bool   `json:"was_available"`
	IsAvailable  bool   `json:"is_available"`
}

// Comparison reconstructs a run's before and after state for audit display.
type Comparison struct {
	RunID       string              `json:"run_id"`
	Original    *snapshot.View      `json:"original"`
	Current     *snapshot.View      `json:"current"`
	Differences []Difference        `json:"differences"`
	TotalsDelta model.Totals        `json:"totals_delta"`
	Timeline    []model.LedgerEntry `json:"change_timeline"`
	Summary     model.ChangeSummary `json:"summary"`
}

// Comparison reads the run's snapshot, the live valuation, and the run's
// ledger. It writes nothing.
func (m *Manager) Comparison(ctx context.Context, runID string) (*Comparison, error) {
	snap, err := m.runSnapshot(ctx, m.store, runID)
	if err != nil {
		return nil, err
	}
	val, err := m.store.GetValuation(ctx, snap.ValuationID)
	if err != nil {
		return nil, eris.Wrap(err, "session: comparison load valuation")
	}
	items, err := m.store.ListLineItems(ctx, val.ID)
	if err != nil {
		return nil, eris.Wrap(err, "session: comparison load line items")
	}
	timeline, err := m.store.ListLedgerEntries(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "session: comparison load ledger")
	}

	original := snapshot.ViewOf(snap)
	current := snapshot.LiveView(val, items, m.now())
	return &Comparison{
		RunID:       runID,
		Original:    original,
		Current:     current,
		Differences: diff(original, current),
		TotalsDelta: current.Meta.Totals.Sub(original.Meta.Totals),
		Timeline:    timeline,
		Summary:     ledger.Summarize(timeline),
	}, nil
}

func diff(before, after *snapshot.View) []Difference {
	var out []Difference
	for _, cur := range after.LineItems {
		was, ok := before.Item(cur.Code)
		if !ok {
			continue
		}
		if was.IsSelected == cur.IsSelected && was.IsAvailable == cur.IsAvailable {
			continue
		}
		out = append(out, Difference{
			Code:         cur.Code,
			Name:         cur.Name,
			WasSelected:  was.IsSelected,
			IsSelected:   cur.IsSelected,
			WasAvailable: was.IsAvailable,
			IsAvailable:  cur.IsAvailable,
		})
	}
	return out
}

// Restore rolls the run's valuation back to its pre-reconciliation snapshot
// and records a restoration ledger entry in the same transaction.
func (m *Manager) Restore(ctx context.Context, runID string) error {
	var snapID string
	err := m.store.InTx(ctx, func(r store.Repo) error {
		snap, err := m.runSnapshot(ctx, r, runID)
		if err != nil {
			return err
		}
		snapID = snap.ID

		before, err := r.GetValuation(ctx, snap.ValuationID)
		if err != nil {
			return eris.Wrap(err, "session: restore load valuation")
		}
		if _, err := m.snapshots.Restore(ctx, r, snap.ID); err != nil {
			return eris.Wrap(err, "session: restore")
		}

		led := ledger.New(runID, snap.ValuationID).WithClock(m.now)
		led.LogRestoration(snap.ID, before.Values.Totals(), snap.Data.Valuation.Values.Totals(), "restored pre-reconciliation snapshot")
		_, err = led.Commit(ctx, r)
		return eris.Wrap(err, "session: restore commit ledger")
	})
	if err != nil {
		return err
	}
	zap.L().Info("session: restored", zap.String("run_id", runID), zap.String("snapshot_id", snapID))
	return nil
}

func (m *Manager) runSnapshot(ctx context.Context, r store.Repo, runID string) (*model.Snapshot, error) {
	if _, err := r.GetValidationRun(ctx, runID); err != nil {
		return nil, eris.Wrap(err, "session: load run")
	}
	snap, err := r.GetSnapshotByRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "session: load snapshot")
	}
	if snap == nil {
		return nil, eris.Wrapf(apperr.ErrNotFound, "snapshot for run %s", runID)
	}
	return snap, nil
}
