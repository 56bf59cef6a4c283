package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db   *sql.DB
	q    sqlQuerier
	inTx bool
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is capped at one connection so writers serialize.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, q: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS valuations (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL DEFAULT '',
	vehicle_id       TEXT NOT NULL,
	provider         TEXT NOT NULL,
	vehicle          TEXT NOT NULL,
	mileage          INTEGER NOT NULL DEFAULT 0,
	region           TEXT NOT NULL DEFAULT '',
	valuation_values TEXT NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS line_items (
	id                TEXT PRIMARY KEY,
	valuation_id      TEXT NOT NULL REFERENCES valuations(id),
	code              TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	clean_trade_adj   INTEGER NOT NULL DEFAULT 0,
	clean_retail_adj  INTEGER NOT NULL DEFAULT 0,
	loan_adj          INTEGER NOT NULL DEFAULT 0,
	is_selected       BOOLEAN NOT NULL DEFAULT 0,
	is_available      BOOLEAN NOT NULL DEFAULT 1,
	factory_installed BOOLEAN NOT NULL DEFAULT 0,
	includes_codes    TEXT NOT NULL DEFAULT '[]',
	excludes_codes    TEXT NOT NULL DEFAULT '[]',
	UNIQUE (valuation_id, code)
);

CREATE TABLE IF NOT EXISTS validation_runs (
	id           TEXT PRIMARY KEY,
	valuation_id TEXT NOT NULL REFERENCES valuations(id),
	source       TEXT NOT NULL DEFAULT '',
	verdicts     TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS snapshots (
	id                TEXT PRIMARY KEY,
	validation_run_id TEXT NOT NULL UNIQUE REFERENCES validation_runs(id),
	valuation_id      TEXT NOT NULL REFERENCES valuations(id),
	reason            TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	data              TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id                TEXT PRIMARY KEY,
	validation_run_id TEXT NOT NULL REFERENCES validation_runs(id),
	valuation_id      TEXT NOT NULL,
	sequence          INTEGER NOT NULL,
	change_type       TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	entity_id         TEXT NOT NULL,
	field             TEXT NOT NULL DEFAULT '',
	before_value      TEXT NOT NULL DEFAULT '',
	after_value       TEXT NOT NULL DEFAULT '',
	trade_delta       INTEGER NOT NULL DEFAULT 0,
	retail_delta      INTEGER NOT NULL DEFAULT 0,
	loan_delta        INTEGER NOT NULL DEFAULT 0,
	reason            TEXT NOT NULL DEFAULT '',
	confidence        REAL,
	verdict           TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (validation_run_id, sequence)
);

CREATE TRIGGER IF NOT EXISTS trg_ledger_entries_no_update BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_ledger_entries_no_delete BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_snapshots_no_update BEFORE UPDATE ON snapshots
BEGIN
	SELECT RAISE(ABORT, 'snapshots are immutable');
END;

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	validation_run_id  TEXT NOT NULL REFERENCES validation_runs(id),
	valuation_id       TEXT NOT NULL REFERENCES valuations(id),
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at         DATETIME NOT NULL,
	applied_at         DATETIME,
	revaluation_source TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_overrides (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	line_item_id      TEXT NOT NULL,
	code              TEXT NOT NULL,
	code_key          TEXT NOT NULL,
	ai_recommendation TEXT NOT NULL,
	verdict           TEXT NOT NULL DEFAULT '',
	confidence        REAL,
	original_selected BOOLEAN NOT NULL,
	keep_original     BOOLEAN NOT NULL DEFAULT 0,
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (session_id, code_key)
);

CREATE INDEX IF NOT EXISTS idx_valuations_vehicle_provider ON valuations(vehicle_id, provider, created_at);
CREATE INDEX IF NOT EXISTS idx_line_items_valuation ON line_items(valuation_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_run ON ledger_entries(validation_run_id);
CREATE INDEX IF NOT EXISTS idx_sessions_valuation_status ON sessions(valuation_id, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one transaction. Nested calls reuse the open one. With
// a single pooled connection fn must only use the Repo it is handed.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Repo) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Valuations ---

func (s *SQLiteStore) CreateValuation(ctx context.Context, v *model.Valuation, items []model.LineItem) error {
	vehicleJSON, err := json.Marshal(v.Vehicle)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal vehicle")
	}
	valuesJSON, err := json.Marshal(v.Values)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal valuation values")
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	return s.InTx(ctx, func(r Repo) error {
		tx := r.(*SQLiteStore)
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO valuations (id, tenant_id, vehicle_id, provider, vehicle, mileage, region, valuation_values, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.TenantID, v.VehicleID, v.Provider, string(vehicleJSON), v.Mileage, v.Region, string(valuesJSON), v.CreatedAt.UTC(), v.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert valuation %s", v.ID)
		}
		for i := range items {
			li := &items[i]
			li.ValuationID = v.ID
			includes, excludes, err := marshalRelations(li)
			if err != nil {
				return err
			}
			_, err = tx.q.ExecContext(ctx,
				`INSERT INTO line_items (`+lineItemColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				li.ID, li.ValuationID, li.Code, li.Name, li.Category,
				li.CleanTradeAdj, li.CleanRetailAdj, li.LoanAdj,
				li.IsSelected, li.IsAvailable, li.FactoryInstalled, string(includes), string(excludes),
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert line item %s", li.Code)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetValuation(ctx context.Context, id string) (*model.Valuation, error) {
	var v model.Valuation
	var vehicleJSON, valuesJSON string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, tenant_id, vehicle_id, provider, vehicle, mileage, region, valuation_values, created_at, updated_at
		 FROM valuations WHERE id = ?`,
		id,
	).Scan(&v.ID, &v.TenantID, &v.VehicleID, &v.Provider, &vehicleJSON, &v.Mileage, &v.Region, &valuesJSON, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "valuation %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get valuation %s", id)
	}
	if err := json.Unmarshal([]byte(vehicleJSON), &v.Vehicle); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal vehicle")
	}
	if err := json.Unmarshal([]byte(valuesJSON), &v.Values); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal valuation values")
	}
	return &v, nil
}

func (s *SQLiteStore) LatestValuationID(ctx context.Context, vehicleID, provider string) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM valuations
		 WHERE vehicle_id = ? AND provider = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		vehicleID, provider,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", eris.Wrapf(apperr.ErrNotFound, "valuation for vehicle %s/%s", vehicleID, provider)
		}
		return "", eris.Wrap(err, "sqlite: latest valuation")
	}
	return id, nil
}

// LockValuation only checks existence. The single connection already
// serializes writers.
func (s *SQLiteStore) LockValuation(ctx context.Context, id string) error {
	var got string
	err := s.q.QueryRowContext(ctx, `SELECT id FROM valuations WHERE id = ?`, id).Scan(&got)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(apperr.ErrNotFound, "valuation %s", id)
		}
		return eris.Wrapf(err, "sqlite: lock valuation %s", id)
	}
	return nil
}

func (s *SQLiteStore) UpdateValuationValues(ctx context.Context, id string, values model.ValuationValues) error {
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal valuation values")
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE valuations SET valuation_values = ?, updated_at = ? WHERE id = ?`,
		string(valuesJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update valuation %s", id)
	}
	return checkRowsAffected(res, "valuation", id)
}

// --- Line items ---

func (s *SQLiteStore) ListLineItems(ctx context.Context, valuationID string) ([]model.LineItem, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE valuation_id = ? ORDER BY code`,
		valuationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list line items for %s", valuationID)
	}
	defer rows.Close() //nolint:errcheck

	var items []model.LineItem
	for rows.Next() {
		var li model.LineItem
		var includes, excludes string
		if err := rows.Scan(&li.ID, &li.ValuationID, &li.Code, &li.Name, &li.Category,
			&li.CleanTradeAdj, &li.CleanRetailAdj, &li.LoanAdj,
			&li.IsSelected, &li.IsAvailable, &li.FactoryInstalled, &includes, &excludes); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan line item")
		}
		if err := unmarshalRelations(&li, []byte(includes), []byte(excludes)); err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list line items iterate")
}

func (s *SQLiteStore) UpdateLineItemStates(ctx context.Context, states []LineItemState) error {
	if len(states) == 0 {
		return nil
	}
	return s.InTx(ctx, func(r Repo) error {
		tx := r.(*SQLiteStore)
		for _, st := range states {
			res, err := tx.q.ExecContext(ctx,
				`UPDATE line_items SET is_selected = ?, is_available = ? WHERE id = ?`,
				st.IsSelected, st.IsAvailable, st.ID,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: update line item %s", st.ID)
			}
			if err := checkRowsAffected(res, "line item", st.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Validation runs ---

func (s *SQLiteStore) CreateValidationRun(ctx context.Context, run *model.ValidationRun) error {
	verdictsJSON, err := json.Marshal(run.Verdicts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal verdicts")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO validation_runs (id, valuation_id, source, verdicts, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ValuationID, run.Source, string(verdictsJSON), run.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert validation run %s", run.ID)
}

func (s *SQLiteStore) GetValidationRun(ctx context.Context, id string) (*model.ValidationRun, error) {
	var run model.ValidationRun
	var verdictsJSON string
	err := s.q.QueryRowContext(ctx,
		`SELECT id, valuation_id, source, verdicts, created_at FROM validation_runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.ValuationID, &run.Source, &verdictsJSON, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "validation run %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get validation run %s", id)
	}
	if err := json.Unmarshal([]byte(verdictsJSON), &run.Verdicts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal verdicts")
	}
	return &run, nil
}

// --- Snapshots ---

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	dataJSON, err := json.Marshal(snap.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO snapshots (id, validation_run_id, valuation_id, reason, description, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ValidationRunID, snap.ValuationID, snap.Reason, snap.Description, string(dataJSON), snap.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert snapshot %s", snap.ID)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	snap, err := scanSQLiteSnapshot(s.q.QueryRowContext(ctx,
		`SELECT id, validation_run_id, valuation_id, reason, description, data, created_at FROM snapshots WHERE id = ?`,
		id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "snapshot %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", id)
	}
	return snap, nil
}

func (s *SQLiteStore) GetSnapshotByRun(ctx context.Context, runID string) (*model.Snapshot, error) {
	snap, err := scanSQLiteSnapshot(s.q.QueryRowContext(ctx,
		`SELECT id, validation_run_id, valuation_id, reason, description, data, created_at FROM snapshots WHERE validation_run_id = ?`,
		runID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get snapshot for run %s", runID)
	}
	return snap, nil
}

func scanSQLiteSnapshot(row scannable) (*model.Snapshot, error) {
	var snap model.Snapshot
	var dataJSON string
	if err := row.Scan(&snap.ID, &snap.ValidationRunID, &snap.ValuationID, &snap.Reason, &snap.Description, &dataJSON, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataJSON), &snap.Data); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
	}
	return &snap, nil
}

// --- Change ledger ---

func (s *SQLiteStore) MaxLedgerSequence(ctx context.Context, runID string) (int, error) {
	var maxSeq int
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM ledger_entries WHERE validation_run_id = ?`,
		runID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: max ledger sequence for %s", runID)
	}
	return maxSeq, nil
}

func (s *SQLiteStore) InsertLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	for _, e := range entries {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, validation_run_id, valuation_id, sequence, change_type, entity_type, entity_id,
			                             field, before_value, after_value, trade_delta, retail_delta, loan_delta,
			                             reason, confidence, verdict, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ValidationRunID, e.ValuationID, e.Sequence, string(e.ChangeType), e.EntityType, e.EntityID,
			e.Field, e.Before, e.After, e.Delta.Trade, e.Delta.Retail, e.Delta.Loan,
			e.Reason, e.Confidence, string(e.Verdict), e.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert ledger entry %d", e.Sequence)
		}
	}
	return nil
}

func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, runID string) ([]model.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, validation_run_id, valuation_id, sequence, change_type, entity_type, entity_id,
		        field, before_value, after_value, trade_delta, retail_delta, loan_delta,
		        reason, confidence, verdict, created_at
		 FROM ledger_entries WHERE validation_run_id = ? ORDER BY sequence`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list ledger entries for %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var changeType, verdict string
		if err := rows.Scan(&e.ID, &e.ValidationRunID, &e.ValuationID, &e.Sequence, &changeType, &e.EntityType, &e.EntityID,
			&e.Field, &e.Before, &e.After, &e.Delta.Trade, &e.Delta.Retail, &e.Delta.Loan,
			&e.Reason, &e.Confidence, &verdict, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		e.ChangeType = model.ChangeType(changeType)
		e.Verdict = model.VerdictStatus(verdict)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list ledger entries iterate")
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	return s.InTx(ctx, func(r Repo) error {
		tx := r.(*SQLiteStore)
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO sessions (id, validation_run_id, valuation_id, status, created_at, expires_at, applied_at, revaluation_source)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.ValidationRunID, sess.ValuationID, string(sess.Status), sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(),
			nullTime(sess.AppliedAt), sess.RevaluationSource,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
		}
		return tx.InsertOverrides(ctx, sess.Overrides)
	})
}

const sessionColumns = `id, validation_run_id, valuation_id, status, created_at, expires_at, applied_at, revaluation_source`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSQLiteSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`,
		id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "session %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+overrideColumns+` FROM session_overrides WHERE session_id = ? ORDER BY code`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list overrides for %s", id)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		o, err := scanSQLiteOverride(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan override")
		}
		sess.Overrides = append(sess.Overrides, *o)
	}
	return sess, eris.Wrap(rows.Err(), "sqlite: list overrides iterate")
}

func (s *SQLiteStore) ListPendingSessions(ctx context.Context, valuationID string) ([]model.Session, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE valuation_id = ? AND status = ? ORDER BY created_at DESC`,
		valuationID, string(model.SessionPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list pending sessions for %s", valuationID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending sessions iterate")
}

func (s *SQLiteStore) InsertOverrides(ctx context.Context, overrides []model.Override) error {
	for _, o := range overrides {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO session_overrides (id, session_id, line_item_id, code, code_key, ai_recommendation, verdict, confidence,
			                                original_selected, keep_original, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.SessionID, o.LineItemID, o.Code, model.NormalizeCode(o.Code), string(o.AIRecommendation), string(o.Verdict), o.Confidence,
			o.OriginalSelected, o.KeepOriginal, o.UpdatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert override %s", o.Code)
		}
	}
	return nil
}

func (s *SQLiteStore) ToggleOverride(ctx context.Context, sessionID, code string) (*model.Override, error) {
	o, err := scanSQLiteOverride(s.q.QueryRowContext(ctx,
		`UPDATE session_overrides SET keep_original = NOT keep_original, updated_at = ?
		 WHERE session_id = ? AND code_key = ?
		   AND session_id IN (SELECT id FROM sessions WHERE status = ?)
		 RETURNING `+overrideColumns,
		time.Now().UTC(), sessionID, model.NormalizeCode(code), string(model.SessionPending),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "override %s in session %s", code, sessionID)
		}
		return nil, eris.Wrapf(err, "sqlite: toggle override %s", code)
	}
	return o, nil
}

func (s *SQLiteStore) ClaimSession(ctx context.Context, sessionID string, appliedAt time.Time, revaluationSource string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET status = ?, applied_at = ?, revaluation_source = ?
		 WHERE id = ? AND status = ?`,
		string(model.SessionApplied), appliedAt.UTC(), revaluationSource, sessionID, string(model.SessionPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim session %s", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim session rows affected")
	}
	return n == 1, nil
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(apperr.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var status string
	var appliedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.ValidationRunID, &sess.ValuationID, &status, &sess.CreatedAt, &sess.ExpiresAt, &appliedAt, &sess.RevaluationSource); err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	if appliedAt.Valid {
		t := appliedAt.Time
		sess.AppliedAt = &t
	}
	return &sess, nil
}

func scanSQLiteOverride(row scannable) (*model.Override, error) {
	var o model.Override
	var rec, verdict string
	var confidence sql.NullFloat64
	if err := row.Scan(&o.ID, &o.SessionID, &o.LineItemID, &o.Code, &rec, &verdict, &confidence,
		&o.OriginalSelected, &o.KeepOriginal, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.AIRecommendation = model.Recommendation(rec)
	o.Verdict = model.VerdictStatus(verdict)
	if confidence.Valid {
		c := confidence.Float64
		o.Confidence = &c
	}
	return &o, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
