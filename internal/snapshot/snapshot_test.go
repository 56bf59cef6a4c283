package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seed(t *testing.T, s store.Store) *model.Valuation {
	t.Helper()
	ctx := context.Background()
	v := &model.Valuation{
		ID:        "val-1",
		VehicleID: "veh-1",
		Provider:  "kbb",
		Vehicle:   model.VehicleIdentity{VIN: "5YJ3E1EA7KF317000"},
		Values:    model.ValuationValues{BaseCleanTrade: 30000, AdjCleanTrade: 31000, AdjCleanRetail: 34000, AdjLoan: 29000},
	}
	items := []model.LineItem{
		{ID: "li-a", Code: "A", Name: "Alpha", CleanTradeAdj: 400, IsAvailable: true, ExcludesCodes: []string{"B"}},
		{ID: "li-b", Code: "B", Name: "Bravo", CleanTradeAdj: 600, IsSelected: true, IsAvailable: true},
	}
	require.NoError(t, s.CreateValuation(ctx, v, items))
	require.NoError(t, s.CreateValidationRun(ctx, &model.ValidationRun{ID: "run-1", ValuationID: v.ID}))
	return v
}

func TestCreate(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	svc := New().WithClock(func() time.Time { return fixed })

	snap, err := svc.Create(context.Background(), s, "run-1", "val-1", model.SnapshotReasonPreValidation, "before AI changes")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, fixed, snap.CreatedAt)
	assert.Equal(t, 2, snap.Data.Meta.TotalLineItems)
	assert.Equal(t, 1, snap.Data.Meta.SelectedLineItems)
	assert.Equal(t, model.Totals{Trade: 31000, Retail: 34000, Loan: 29000}, snap.Data.Meta.Totals)

	stored, err := s.GetSnapshot(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "before AI changes", stored.Description)
	assert.Equal(t, snap.Data.LineItems, stored.Data.LineItems)
}

func TestCreate_ValuationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := New().Create(context.Background(), s, "run-1", "missing", model.SnapshotReasonManual, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestEnsure_ReusesRunSnapshot(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	svc := New()
	ctx := context.Background()

	first, created, err := svc.Ensure(ctx, s, "run-1", "val-1", model.SnapshotReasonPreValidation)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.Ensure(ctx, s, "run-1", "val-1", model.SnapshotReasonPreValidation)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestRestore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	v := seed(t, s)
	svc := New()
	ctx := context.Background()

	before, err := s.ListLineItems(ctx, v.ID)
	require.NoError(t, err)

	snap, err := svc.Create(ctx, s, "run-1", v.ID, model.SnapshotReasonPreValidation, "")
	require.NoError(t, err)

	// mutate the live records
	require.NoError(t, s.UpdateLineItemStates(ctx, []store.LineItemState{
		{ID: "li-a", IsSelected: true, IsAvailable: true},
		{ID: "li-b", IsSelected: false, IsAvailable: false},
	}))
	changed := v.Values
	changed.AdjCleanTrade = 1
	require.NoError(t, s.UpdateValuationValues(ctx, v.ID, changed))

	err = s.InTx(ctx, func(r store.Repo) error {
		_, err := svc.Restore(ctx, r, snap.ID)
		return err
	})
	require.NoError(t, err)

	after, err := s.ListLineItems(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := s.GetValuation(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.Values, got.Values)

	// the snapshot itself is unchanged
	stored, err := s.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Data.LineItems, stored.Data.LineItems)
	assert.Equal(t, snap.Data.Valuation.Values, stored.Data.Valuation.Values)
	assert.Equal(t, snap.Data.Meta, stored.Data.Meta)
}

func TestRestore_SnapshotNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := New().Restore(context.Background(), s, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestView(t *testing.T) {
	snap := &model.Snapshot{
		ID:     "snap-1",
		Reason: model.SnapshotReasonPreValidation,
		Data: model.SnapshotData{
			Valuation: model.Valuation{ID: "val-1"},
			LineItems: []model.LineItem{{Code: "A", IsSelected: true}, {Code: "B"}},
			Meta:      model.SnapshotMeta{TotalLineItems: 2, SelectedLineItems: 1},
		},
	}
	v := ViewOf(snap)
	assert.Equal(t, "snap-1", v.SnapshotID)
	assert.Equal(t, []string{"A"}, v.Selected)
	li, ok := v.Item("B")
	require.True(t, ok)
	assert.False(t, li.IsSelected)
	_, ok = v.Item("Z")
	assert.False(t, ok)
}
