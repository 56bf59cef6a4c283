package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return newPostgresWithPool(mock), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS valuations`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetValuation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, tenant_id, vehicle_id, provider, vehicle`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetValuation(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetValuation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM valuations WHERE id = \$1`).
		WithArgs("val-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tenant_id", "vehicle_id", "provider", "vehicle", "mileage", "region", "valuation_values", "created_at", "updated_at",
		}).AddRow(
			"val-1", "", "veh-1", "kbb",
			[]byte(`{"vin":"1HGCM82633A004352","year":2021}`), int64(42000), "94107",
			[]byte(`{"adj_clean_trade":20500,"adj_clean_retail":23600,"adj_loan":18400}`), now, now,
		))

	v, err := s.GetValuation(context.Background(), "val-1")
	require.NoError(t, err)
	assert.Equal(t, "1HGCM82633A004352", v.Vehicle.VIN)
	assert.Equal(t, model.Totals{Trade: 20500, Retail: 23600, Loan: 18400}, v.Values.Totals())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateValuationValues_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE valuations SET valuation_values`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateValuationValues(context.Background(), "missing", model.ValuationValues{})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLineItemStates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_update_line_items"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_update_line_items"}, []string{"id", "is_selected", "is_available"}).
		WillReturnResult(2)
	mock.ExpectExec(`UPDATE "line_items" AS t`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`DROP TABLE "_tmp_update_line_items"`).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectCommit()

	err := s.UpdateLineItemStates(context.Background(), []LineItemState{
		{ID: "li-1", IsSelected: true, IsAvailable: true},
		{ID: "li-2", IsSelected: false, IsAvailable: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLineItemStates_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_update_line_items"}, []string{"id", "is_selected", "is_available"}).
		WillReturnResult(2)
	mock.ExpectExec(`UPDATE "line_items" AS t`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DROP TABLE`).
		WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectRollback()

	err := s.UpdateLineItemStates(context.Background(), []LineItemState{
		{ID: "li-1", IsSelected: true, IsAvailable: true},
		{ID: "ghost", IsSelected: true, IsAvailable: true},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSnapshotByRun_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM snapshots WHERE validation_run_id = \$1`).
		WithArgs("run-1").
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.GetSnapshotByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MaxLedgerSequence(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence\), 0\) FROM ledger_entries`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(4))

	n, err := s.MaxLedgerSequence(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertLedgerEntries(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"ledger_entries"}, ledgerColumns).WillReturnResult(2)

	err := s.InsertLedgerEntries(context.Background(), []model.LedgerEntry{
		{ID: "e1", ValidationRunID: "run-1", Sequence: 1, ChangeType: model.ChangeLineItemSelected},
		{ID: "e2", ValidationRunID: "run-1", Sequence: 2, ChangeType: model.ChangeValueUpdated},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertLedgerEntries_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"ledger_entries"}, ledgerColumns).
		WillReturnError(fmt.Errorf("unique violation"))

	err := s.InsertLedgerEntries(context.Background(), []model.LedgerEntry{{ID: "e1", Sequence: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert ledger entries")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ToggleOverride(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	conf := 91.0

	mock.ExpectQuery(`(?s)WITH live AS \(SELECT id FROM sessions WHERE id = \$1 AND status = \$4 FOR UPDATE\).*UPDATE session_overrides SET keep_original = NOT keep_original.*WHERE session_id IN \(SELECT id FROM live\)`).
		WithArgs("sess-1", "sunroof", pgxmock.AnyArg(), "pending").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "session_id", "line_item_id", "code", "ai_recommendation", "verdict", "confidence",
			"original_selected", "keep_original", "updated_at",
		}).AddRow("o1", "sess-1", "li-1", "SUNROOF", "DESELECT", "NOT_FOUND", &conf, true, true, now))

	o, err := s.ToggleOverride(context.Background(), "sess-1", "SunRoof")
	require.NoError(t, err)
	assert.True(t, o.KeepOriginal)
	assert.Equal(t, model.RecommendDeselect, o.AIRecommendation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ToggleOverride_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE session_overrides`).
		WithArgs("sess-1", "ghost", pgxmock.AnyArg(), "pending").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.ToggleOverride(context.Background(), "sess-1", "GHOST")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ToggleOverride_AppliedSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// the locked session row no longer matches status = pending
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("sess-1", "sunroof", pgxmock.AnyArg(), "pending").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.ToggleOverride(context.Background(), "sess-1", "SUNROOF")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockValuation(t *testing.T) {
	tests := []struct {
		name     string
		rows     *pgxmock.Rows
		err      error
		notFound bool
	}{
		{name: "locked", rows: pgxmock.NewRows([]string{"id"}).AddRow("val-1")},
		{name: "missing", err: pgx.ErrNoRows, notFound: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)

			mock.ExpectBegin()
			q := mock.ExpectQuery(`SELECT id FROM valuations WHERE id = \$1 FOR UPDATE`).WithArgs("val-1")
			if tt.err != nil {
				q.WillReturnError(tt.err)
				mock.ExpectRollback()
			} else {
				q.WillReturnRows(tt.rows)
				mock.ExpectCommit()
			}

			err := s.InTx(context.Background(), func(r Repo) error {
				return r.LockValuation(context.Background(), "val-1")
			})
			if tt.notFound {
				assert.True(t, errors.Is(err, apperr.ErrNotFound))
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_ClaimSession(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"won", 1, true},
		{"lost", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			now := time.Now().UTC()

			mock.ExpectExec(`UPDATE sessions SET status = \$1`).
				WithArgs("applied", now, "provider", "sess-1", "pending").
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.affected))

			won, err := s.ClaimSession(context.Background(), "sess-1", now, "provider")
			require.NoError(t, err)
			assert.Equal(t, tt.want, won)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_InTx_Rollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO validation_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(r Repo) error {
		if err := r.CreateValidationRun(context.Background(), &model.ValidationRun{ID: "run-1", ValuationID: "val-1"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(fmt.Errorf("pool exhausted"))

	err := s.InTx(context.Background(), func(Repo) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}
