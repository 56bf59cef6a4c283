package session

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/ledger"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/monitoring"
	"github.com/sells-group/bookout-recon/internal/resolver"
	"github.com/sells-group/bookout-recon/internal/revalue"
	"github.com/sells-group/bookout-recon/internal/store"
)

// ApplyResult is the outcome of a successful Apply.
type ApplyResult struct {
	Valuation         *model.Valuation    `json:"valuation"`
	LineItems         []model.LineItem    `json:"line_items"`
	ChangeSummary     model.ChangeSummary `json:"change_summary"`
	RevaluationSource revalue.Source      `json:"revaluation_source"`
	ProviderError     string              `json:"provider_error,omitempty"`
	SnapshotID        string              `json:"snapshot_id"`
	Final             []string            `json:"final_codes"`
	Excluded          []string            `json:"excluded_codes"`
}

// Candidates builds the selection to resolve: the currently selected codes,
// with each followed recommendation applied and each kept original forced
// back to its original membership. Kept originals are returned as pins.
func Candidates(items []model.LineItem, overrides []model.Override) ([]string, map[string]bool) {
	codeOf := make(map[string]string, len(items))
	set := make(map[string]bool, len(items))
	for _, li := range items {
		k := model.NormalizeCode(li.Code)
		codeOf[k] = li.Code
		if li.IsSelected {
			set[k] = true
		}
	}

	pins := make(map[string]bool)
	for _, o := range overrides {
		k := model.NormalizeCode(o.Code)
		if _, ok := codeOf[k]; !ok {
			continue
		}
		if o.KeepOriginal {
			set[k] = o.OriginalSelected
			pins[codeOf[k]] = o.OriginalSelected
			continue
		}
		switch o.AIRecommendation {
		case model.RecommendSelect:
			set[k] = true
		case model.RecommendDeselect:
			set[k] = false
		}
	}

	var out []string
	for _, li := range items {
		if set[model.NormalizeCode(li.Code)] {
			out = append(out, li.Code)
		}
	}
	return out, pins
}

// Apply resolves the session's decisions, reprices the valuation, and writes
// the snapshot, line item states, valuation values, ledger entries, and the
// session's applied status in one transaction. The provider is called before
// the transaction opens.
func (m *Manager) Apply(ctx context.Context, sessionID string) (*ApplyResult, error) {
	res, err := m.apply(ctx, sessionID)
	monitoring.ObserveApply(applyOutcome(err))
	if err != nil {
		zap.L().Warn("session: apply failed",
			zap.String("session_id", sessionID),
			zap.String("kind", apperr.KindOf(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// sameOverrides reports whether both sets keep the same originals.
func sameOverrides(a, b []model.Override) bool {
	if len(a) != len(b) {
		return false
	}
	keep := make(map[string]bool, len(a))
	for _, o := range a {
		keep[model.NormalizeCode(o.Code)] = o.KeepOriginal
	}
	for _, o := range b {
		k, ok := keep[model.NormalizeCode(o.Code)]
		if !ok || k != o.KeepOriginal {
			return false
		}
	}
	return true
}

func applyOutcome(err error) string {
	switch apperr.KindOf(err) {
	case "":
		return monitoring.OutcomeApplied
	case apperr.KindConflict:
		return monitoring.OutcomeConflict
	case apperr.KindExpired:
		return monitoring.OutcomeExpired
	}
	return monitoring.OutcomeError
}

func (m *Manager) apply(ctx context.Context, sessionID string) (*ApplyResult, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "session: apply")
	}
	if err := m.checkMutable(sess); err != nil {
		return nil, err
	}

	val, err := m.store.GetValuation(ctx, sess.ValuationID)
	if err != nil {
		return nil, eris.Wrap(err, "session: apply load valuation")
	}
	if err := checkTarget(ctx, m.store, val); err != nil {
		return nil, err
	}
	items, err := m.store.ListLineItems(ctx, val.ID)
	if err != nil {
		return nil, eris.Wrap(err, "session: apply load line items")
	}
	run, err := m.store.GetValidationRun(ctx, sess.ValidationRunID)
	if err != nil {
		return nil, eris.Wrap(err, "session: apply load run")
	}

	candidates, pins := Candidates(items, sess.Overrides)
	resolved := resolver.Resolve(candidates, items, resolver.WithPins(pins))

	reval := m.revaluer.Revaluate(ctx, revalue.Request{
		Vehicle:    val.Vehicle,
		Mileage:    val.Mileage,
		Region:     val.Region,
		FinalCodes: resolved.Final,
		Current:    val.Values,
		LineItems:  items,
	})
	if !reval.Success {
		return nil, eris.Wrapf(reval.Error, "session: revaluation failed (provider: %s)", reval.ProviderError)
	}

	now := m.now()
	out := &ApplyResult{
		RevaluationSource: reval.Source,
		ProviderError:     reval.ProviderError,
		Final:             resolved.Final,
		Excluded:          resolved.Excluded,
	}

	err = m.store.InTx(ctx, func(r store.Repo) error {
		won, err := r.ClaimSession(ctx, sess.ID, now, string(reval.Source))
		if err != nil {
			return eris.Wrap(err, "session: claim")
		}
		if !won {
			return eris.Wrapf(apperr.ErrConflict, "session %s already applied", sess.ID)
		}
		if sess.IsExpired(now) {
			return eris.Wrapf(apperr.ErrExpired, "session %s expired during apply", sess.ID)
		}
		cur, err := r.GetSession(ctx, sess.ID)
		if err != nil {
			return eris.Wrap(err, "session: reload")
		}
		if !sameOverrides(sess.Overrides, cur.Overrides) {
			return eris.Wrapf(apperr.ErrConflict, "session %s overrides changed during apply", sess.ID)
		}
		if err := checkTarget(ctx, r, val); err != nil {
			return err
		}

		snap, _, err := m.snapshots.Ensure(ctx, r, run.ID, val.ID, model.SnapshotReasonPreValidation)
		if err != nil {
			return eris.Wrap(err, "session: snapshot")
		}
		out.SnapshotID = snap.ID

		led := ledger.New(run.ID, val.ID).WithClock(m.now)
		states := logSelectionChanges(led, items, sess.Overrides, candidates, resolved)
		reason := revaluationReason(reval)
		led.LogValuesChange(val.Values, reval.Values, reason)
		led.LogRevaluation(val.Values.Totals(), reval.Values.Totals(), reason)

		if len(states) > 0 {
			if err := r.UpdateLineItemStates(ctx, states); err != nil {
				return eris.Wrap(err, "session: update line items")
			}
		}
		if err := r.UpdateValuationValues(ctx, val.ID, reval.Values); err != nil {
			return eris.Wrap(err, "session: update valuation")
		}
		entries, err := led.Commit(ctx, r)
		if err != nil {
			return eris.Wrap(err, "session: commit ledger")
		}
		out.ChangeSummary = ledger.Summarize(entries)

		if out.Valuation, err = r.GetValuation(ctx, val.ID); err != nil {
			return eris.Wrap(err, "session: reload valuation")
		}
		out.LineItems, err = r.ListLineItems(ctx, val.ID)
		return eris.Wrap(err, "session: reload line items")
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("session: applied",
		zap.String("session_id", sess.ID),
		zap.String("run_id", run.ID),
		zap.String("valuation_id", val.ID),
		zap.String("revaluation_source", string(reval.Source)),
		zap.Int("changes", out.ChangeSummary.TotalChanges),
		zap.Int64("value_impact", out.ChangeSummary.ValueImpact),
	)
	return out, nil
}

// checkTarget fails when a newer valuation has replaced val for the same
// vehicle and provider.
func checkTarget(ctx context.Context, r store.Repo, val *model.Valuation) error {
	latest, err := r.LatestValuationID(ctx, val.VehicleID, val.Provider)
	if err != nil {
		return eris.Wrap(err, "session: latest valuation")
	}
	if latest != val.ID {
		return eris.Wrapf(apperr.ErrConflict, "reconciliation target has changed; re-run validation (valuation %s superseded by %s)", val.ID, latest)
	}
	return nil
}

// logSelectionChanges buffers one ledger entry per selection flip and
// returns the new state of every line item whose state changed.
func logSelectionChanges(led *ledger.Ledger, items []model.LineItem, overrides []model.Override, candidates []string, resolved resolver.Result) []store.LineItemState {
	byCode := make(map[string]model.Override, len(overrides))
	for _, o := range overrides {
		byCode[model.NormalizeCode(o.Code)] = o
	}
	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[model.NormalizeCode(c)] = true
	}

	var states []store.LineItemState
	for _, li := range items {
		next := resolved.States[li.Code]
		if next.Selected == li.IsSelected && next.Available == li.IsAvailable {
			continue
		}
		states = append(states, store.LineItemState{ID: li.ID, IsSelected: next.Selected, IsAvailable: next.Available})
		if next.Selected == li.IsSelected {
			continue
		}

		key := model.NormalizeCode(li.Code)
		o, hasOverride := byCode[key]
		var opts []ledger.EntryOption
		if hasOverride && o.Verdict != "" {
			opts = append(opts, ledger.WithVerdict(o.Verdict))
		}
		if hasOverride && o.Confidence != nil {
			opts = append(opts, ledger.WithConfidence(*o.Confidence))
		}
		led.LogSelectionChange(li, next.Selected, selectionReason(o, hasOverride, wanted[key], next.Selected), opts...)
	}
	return states
}

func selectionReason(o model.Override, hasOverride, wanted, selected bool) string {
	switch {
	case wanted != selected && selected:
		return "included by a selected package"
	case wanted != selected:
		return "excluded by an incompatible selected item"
	case !hasOverride:
		return "selection carried forward"
	case o.KeepOriginal:
		return "operator override: kept original selection"
	case o.AIRecommendation == model.RecommendNoChange:
		return "selection carried forward"
	}
	return fmt.Sprintf("followed AI recommendation %s (%s)", o.AIRecommendation, o.Verdict)
}

func revaluationReason(res revalue.Result) string {
	if res.Source == revalue.SourceFallback {
		return "revaluation from stored adjustments: " + res.ProviderError
	}
	return "revaluation from provider"
}
