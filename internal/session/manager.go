// Package session runs the reconciliation workflow: a time-boxed session of
// operator overrides over a validation run's AI recommendations, applied to
// the valuation in one transaction.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/monitoring"
	"github.com/sells-group/bookout-recon/internal/revalue"
	"github.com/sells-group/bookout-recon/internal/snapshot"
	"github.com/sells-group/bookout-recon/internal/store"
)

// Revaluer reprices a valuation for a final selection.
type Revaluer interface {
	Revaluate(ctx context.Context, req revalue.Request) revalue.Result
}

// Manager owns the session state machine.
type Manager struct {
	store     store.Store
	revaluer  Revaluer
	snapshots *snapshot.Service
	ttl       time.Duration
	nowFunc   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides model.DefaultSessionTTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithClock overrides the wall clock for expiry and timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// NewManager returns a Manager over st.
func NewManager(st store.Store, rv Revaluer, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		revaluer: rv,
		ttl:      model.DefaultSessionTTL,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.snapshots = snapshot.New().WithClock(m.now)
	return m
}

func (m *Manager) now() time.Time { return m.nowFunc().UTC() }

// View is a session as read by an operator.
type View struct {
	*model.Session
	IsExpired bool                 `json:"is_expired"`
	Summary   model.SessionSummary `json:"summary"`
}

// Open starts a pending session for the run with one override per line item
// on its valuation. A second live session for the same valuation is a
// conflict.
func (m *Manager) Open(ctx context.Context, runID string) (*model.Session, error) {
	now := m.now()

	run, err := m.store.GetValidationRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "session: open")
	}
	if err := model.ValidateVerdicts(run.Verdicts); err != nil {
		return nil, eris.Wrapf(err, "session: open run %s", runID)
	}

	var sess *model.Session
	err = m.store.InTx(ctx, func(r store.Repo) error {
		// serializes concurrent opens for the same valuation
		if err := r.LockValuation(ctx, run.ValuationID); err != nil {
			return eris.Wrap(err, "session: lock valuation")
		}
		pending, err := r.ListPendingSessions(ctx, run.ValuationID)
		if err != nil {
			return eris.Wrap(err, "session: list pending")
		}
		for i := range pending {
			if !pending[i].IsExpired(now) {
				return eris.Wrapf(apperr.ErrConflict, "valuation %s already has active session %s", run.ValuationID, pending[i].ID)
			}
		}

		items, err := r.ListLineItems(ctx, run.ValuationID)
		if err != nil {
			return eris.Wrap(err, "session: load line items")
		}

		sess = &model.Session{
			ID:              uuid.New().String(),
			ValidationRunID: run.ID,
			ValuationID:     run.ValuationID,
			Status:          model.SessionPending,
			CreatedAt:       now,
			ExpiresAt:       now.Add(m.ttl),
		}
		sess.Overrides = overridesFromVerdicts(sess.ID, items, run.Verdicts, now)
		if missing := backfill(sess, items, now); len(missing) > 0 {
			logBackfill(sess, missing)
		}

		if err := r.CreateSession(ctx, sess); err != nil {
			return eris.Wrap(err, "session: create")
		}
		return verifyCoverage(ctx, r, sess.ID, items)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("session: opened",
		zap.String("session_id", sess.ID),
		zap.String("run_id", runID),
		zap.String("valuation_id", sess.ValuationID),
		zap.Int("overrides", len(sess.Overrides)),
		zap.Time("expires_at", sess.ExpiresAt),
	)
	return sess, nil
}

// overridesFromVerdicts creates an override for every verdict that names a
// line item on the valuation. Verdicts for unknown codes are dropped.
func overridesFromVerdicts(sessionID string, items []model.LineItem, verdicts []model.Verdict, now time.Time) []model.Override {
	byCode := make(map[string]model.LineItem, len(items))
	for _, li := range items {
		byCode[model.NormalizeCode(li.Code)] = li
	}

	seen := make(map[string]bool, len(verdicts))
	out := make([]model.Override, 0, len(items))
	for _, v := range verdicts {
		key := model.NormalizeCode(v.Code)
		li, ok := byCode[key]
		if !ok {
			zap.L().Warn("session: verdict for unknown line item", zap.String("code", v.Code))
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		conf := model.ClampConfidence(v.Confidence)
		out = append(out, model.Override{
			ID:               uuid.New().String(),
			SessionID:        sessionID,
			LineItemID:       li.ID,
			Code:             li.Code,
			AIRecommendation: model.RecommendationFor(v.Status),
			Verdict:          v.Status,
			Confidence:       &conf,
			OriginalSelected: li.IsSelected,
			UpdatedAt:        now,
		})
	}
	return out
}

// backfill adds a NO_CHANGE override for every line item the verdicts did
// not cover and returns the codes it added.
func backfill(sess *model.Session, items []model.LineItem, now time.Time) []string {
	covered := make(map[string]bool, len(sess.Overrides))
	for _, o := range sess.Overrides {
		covered[model.NormalizeCode(o.Code)] = true
	}
	var missing []string
	for _, li := range items {
		if covered[model.NormalizeCode(li.Code)] {
			continue
		}
		sess.Overrides = append(sess.Overrides, model.Override{
			ID:               uuid.New().String(),
			SessionID:        sess.ID,
			LineItemID:       li.ID,
			Code:             li.Code,
			AIRecommendation: model.RecommendNoChange,
			OriginalSelected: li.IsSelected,
			UpdatedAt:        now,
		})
		missing = append(missing, li.Code)
	}
	return missing
}

func logBackfill(sess *model.Session, missing []string) {
	monitoring.ObserveBackfill(len(missing))
	zap.L().Error("session: override coverage repaired",
		zap.String("session_id", sess.ID),
		zap.String("run_id", sess.ValidationRunID),
		zap.Strings("backfilled_codes", missing),
		zap.Error(eris.Wrapf(apperr.ErrInvariantViolation, "%d line items had no verdict", len(missing))),
	)
}

// verifyCoverage re-reads the stored session and checks that its override
// codes are exactly the valuation's line item codes.
func verifyCoverage(ctx context.Context, r store.Repo, sessionID string, items []model.LineItem) error {
	stored, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return eris.Wrap(err, "session: reload")
	}
	want := make(map[string]bool, len(items))
	for _, li := range items {
		want[model.NormalizeCode(li.Code)] = true
	}
	if len(stored.Overrides) != len(want) {
		return eris.Wrapf(apperr.ErrInvariantViolation, "session %s has %d overrides for %d line items",
			sessionID, len(stored.Overrides), len(want))
	}
	for _, o := range stored.Overrides {
		if !want[model.NormalizeCode(o.Code)] {
			return eris.Wrapf(apperr.ErrInvariantViolation, "session %s override %s has no line item", sessionID, o.Code)
		}
	}
	return nil
}

// Get returns the session with expiry and summary computed now.
func (m *Manager) Get(ctx context.Context, sessionID string) (*View, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "session: get")
	}
	return &View{
		Session:   sess,
		IsExpired: sess.IsExpired(m.now()),
		Summary:   sess.Summarize(),
	}, nil
}

// ToggleOverride flips keep-original for one line item code.
func (m *Manager) ToggleOverride(ctx context.Context, sessionID, code string) (*model.Override, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "session: toggle")
	}
	if !hasOverride(sess, code) {
		return nil, eris.Wrapf(apperr.ErrNotFound, "override %s in session %s", code, sessionID)
	}
	if err := m.checkMutable(sess); err != nil {
		return nil, err
	}

	o, err := m.store.ToggleOverride(ctx, sessionID, code)
	if errors.Is(err, apperr.ErrNotFound) {
		// the session may have been applied since it was read
		if cur, gerr := m.store.GetSession(ctx, sessionID); gerr == nil {
			if merr := m.checkMutable(cur); merr != nil {
				return nil, merr
			}
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "session: toggle")
	}
	zap.L().Info("session: override toggled",
		zap.String("session_id", sessionID),
		zap.String("code", o.Code),
		zap.Bool("keep_original", o.KeepOriginal),
	)
	return o, nil
}

func hasOverride(sess *model.Session, code string) bool {
	key := model.NormalizeCode(code)
	for _, o := range sess.Overrides {
		if model.NormalizeCode(o.Code) == key {
			return true
		}
	}
	return false
}

// checkMutable rejects applied sessions before expired ones.
func (m *Manager) checkMutable(sess *model.Session) error {
	if sess.Status != model.SessionPending {
		return eris.Wrapf(apperr.ErrConflict, "session %s already %s", sess.ID, sess.Status)
	}
	if sess.IsExpired(m.now()) {
		return eris.Wrapf(apperr.ErrExpired, "session %s expired at %s", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
