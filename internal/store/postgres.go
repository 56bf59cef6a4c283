package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/db"
	"github.com/sells-group/bookout-recon/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	q       db.Querier
	inTx    bool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, q: pool, closeFn: pool.Close}, nil
}

// newPostgresWithPool wraps an existing pool (used by tests with pgxmock).
func newPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS valuations (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL DEFAULT '',
	vehicle_id       TEXT NOT NULL,
	provider         TEXT NOT NULL,
	vehicle          JSONB NOT NULL,
	mileage          BIGINT NOT NULL DEFAULT 0,
	region           TEXT NOT NULL DEFAULT '',
	valuation_values JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_valuations_vehicle_provider ON valuations(vehicle_id, provider, created_at DESC);

CREATE TABLE IF NOT EXISTS line_items (
	id                TEXT PRIMARY KEY,
	valuation_id      TEXT NOT NULL REFERENCES valuations(id),
	code              TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	clean_trade_adj   BIGINT NOT NULL DEFAULT 0,
	clean_retail_adj  BIGINT NOT NULL DEFAULT 0,
	loan_adj          BIGINT NOT NULL DEFAULT 0,
	is_selected       BOOLEAN NOT NULL DEFAULT false,
	is_available      BOOLEAN NOT NULL DEFAULT true,
	factory_installed BOOLEAN NOT NULL DEFAULT false,
	includes_codes    JSONB NOT NULL DEFAULT '[]',
	excludes_codes    JSONB NOT NULL DEFAULT '[]',
	UNIQUE (valuation_id, code)
);

CREATE TABLE IF NOT EXISTS validation_runs (
	id           TEXT PRIMARY KEY,
	valuation_id TEXT NOT NULL REFERENCES valuations(id),
	source       TEXT NOT NULL DEFAULT '',
	verdicts     JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_valuation ON validation_runs(valuation_id);

CREATE TABLE IF NOT EXISTS snapshots (
	id                TEXT PRIMARY KEY,
	validation_run_id TEXT NOT NULL UNIQUE REFERENCES validation_runs(id),
	valuation_id      TEXT NOT NULL REFERENCES valuations(id),
	reason            TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	data              JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
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
	trade_delta       BIGINT NOT NULL DEFAULT 0,
	retail_delta      BIGINT NOT NULL DEFAULT 0,
	loan_delta        BIGINT NOT NULL DEFAULT 0,
	reason            TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION,
	verdict           TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (validation_run_id, sequence)
);

CREATE OR REPLACE FUNCTION reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER trg_ledger_entries_append_only BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

DROP TRIGGER IF EXISTS trg_snapshots_immutable ON snapshots;
CREATE TRIGGER trg_snapshots_immutable BEFORE UPDATE OR DELETE ON snapshots
	FOR EACH ROW EXECUTE FUNCTION reject_mutation();

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	validation_run_id  TEXT NOT NULL REFERENCES validation_runs(id),
	valuation_id       TEXT NOT NULL REFERENCES valuations(id),
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at         TIMESTAMPTZ NOT NULL,
	applied_at         TIMESTAMPTZ,
	revaluation_source TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_valuation_status ON sessions(valuation_id, status);

CREATE TABLE IF NOT EXISTS session_overrides (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	line_item_id      TEXT NOT NULL,
	code              TEXT NOT NULL,
	code_key          TEXT NOT NULL,
	ai_recommendation TEXT NOT NULL,
	verdict           TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION,
	original_selected BOOLEAN NOT NULL,
	keep_original     BOOLEAN NOT NULL DEFAULT false,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, code_key)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.q.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn inside one transaction. Nested calls reuse the open one.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Repo) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&PostgresStore{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// --- Valuations ---

func (s *PostgresStore) CreateValuation(ctx context.Context, v *model.Valuation, items []model.LineItem) error {
	vehicleJSON, err := json.Marshal(v.Vehicle)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal vehicle")
	}
	valuesJSON, err := json.Marshal(v.Values)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal valuation values")
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	return s.InTx(ctx, func(r Repo) error {
		tx := r.(*PostgresStore)
		_, err := tx.q.Exec(ctx,
			`INSERT INTO valuations (id, tenant_id, vehicle_id, provider, vehicle, mileage, region, valuation_values, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			v.ID, v.TenantID, v.VehicleID, v.Provider, vehicleJSON, v.Mileage, v.Region, valuesJSON, v.CreatedAt, v.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert valuation %s", v.ID)
		}
		for i := range items {
			li := &items[i]
			li.ValuationID = v.ID
			includes, excludes, err := marshalRelations(li)
			if err != nil {
				return err
			}
			_, err = tx.q.Exec(ctx,
				`INSERT INTO line_items (`+lineItemColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				li.ID, li.ValuationID, li.Code, li.Name, li.Category,
				li.CleanTradeAdj, li.CleanRetailAdj, li.LoanAdj,
				li.IsSelected, li.IsAvailable, li.FactoryInstalled, includes, excludes,
			)
			if err != nil {
				return eris.Wrapf(err, "postgres: insert line item %s", li.Code)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetValuation(ctx context.Context, id string) (*model.Valuation, error) {
	var v model.Valuation
	var vehicleJSON, valuesJSON []byte
	err := s.q.QueryRow(ctx,
		`SELECT id, tenant_id, vehicle_id, provider, vehicle, mileage, region, valuation_values, created_at, updated_at
		 FROM valuations WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.TenantID, &v.VehicleID, &v.Provider, &vehicleJSON, &v.Mileage, &v.Region, &valuesJSON, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "valuation %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get valuation %s", id)
	}
	if err := json.Unmarshal(vehicleJSON, &v.Vehicle); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal vehicle")
	}
	if err := json.Unmarshal(valuesJSON, &v.Values); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal valuation values")
	}
	return &v, nil
}

func (s *PostgresStore) LatestValuationID(ctx context.Context, vehicleID, provider string) (string, error) {
	var id string
	err := s.q.QueryRow(ctx,
		`SELECT id FROM valuations
		 WHERE vehicle_id = $1 AND provider = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		vehicleID, provider,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", eris.Wrapf(apperr.ErrNotFound, "valuation for vehicle %s/%s", vehicleID, provider)
		}
		return "", eris.Wrap(err, "postgres: latest valuation")
	}
	return id, nil
}

func (s *PostgresStore) LockValuation(ctx context.Context, id string) error {
	var got string
	err := s.q.QueryRow(ctx, `SELECT id FROM valuations WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(apperr.ErrNotFound, "valuation %s", id)
		}
		return eris.Wrapf(err, "postgres: lock valuation %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateValuationValues(ctx context.Context, id string, values model.ValuationValues) error {
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal valuation values")
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE valuations SET valuation_values = $1, updated_at = $2 WHERE id = $3`,
		valuesJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update valuation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(apperr.ErrNotFound, "valuation %s", id)
	}
	return nil
}

// --- Line items ---

const lineItemColumns = `id, valuation_id, code, name, category, clean_trade_adj, clean_retail_adj, loan_adj,
	is_selected, is_available, factory_installed, includes_codes, excludes_codes`

func (s *PostgresStore) ListLineItems(ctx context.Context, valuationID string) ([]model.LineItem, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE valuation_id = $1 ORDER BY code`,
		valuationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list line items for %s", valuationID)
	}
	defer rows.Close()

	var items []model.LineItem
	for rows.Next() {
		var li model.LineItem
		var includes, excludes []byte
		if err := rows.Scan(&li.ID, &li.ValuationID, &li.Code, &li.Name, &li.Category,
			&li.CleanTradeAdj, &li.CleanRetailAdj, &li.LoanAdj,
			&li.IsSelected, &li.IsAvailable, &li.FactoryInstalled, &includes, &excludes); err != nil {
			return nil, eris.Wrap(err, "postgres: scan line item")
		}
		if err := unmarshalRelations(&li, includes, excludes); err != nil {
			return nil, err
		}
		items = append(items, li)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list line items iterate")
}

func (s *PostgresStore) UpdateLineItemStates(ctx context.Context, states []LineItemState) error {
	if len(states) == 0 {
		return nil
	}
	rows := make([][]any, len(states))
	for i, st := range states {
		rows[i] = []any{st.ID, st.IsSelected, st.IsAvailable}
	}
	return s.InTx(ctx, func(r Repo) error {
		tx := r.(*PostgresStore)
		n, err := db.BulkUpdate(ctx, tx.q, db.UpdateConfig{
			Table:   "line_items",
			Key:     "id",
			Columns: []string{"id", "is_selected", "is_available"},
		}, rows)
		if err != nil {
			return eris.Wrap(err, "postgres: update line item states")
		}
		if int(n) != len(states) {
			return eris.Wrapf(apperr.ErrNotFound, "line items: updated %d of %d", n, len(states))
		}
		return nil
	})
}

// --- Validation runs ---

func (s *PostgresStore) CreateValidationRun(ctx context.Context, run *model.ValidationRun) error {
	verdictsJSON, err := json.Marshal(run.Verdicts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal verdicts")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO validation_runs (id, valuation_id, source, verdicts, created_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.ValuationID, run.Source, verdictsJSON, run.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert validation run %s", run.ID)
}

func (s *PostgresStore) GetValidationRun(ctx context.Context, id string) (*model.ValidationRun, error) {
	var run model.ValidationRun
	var verdictsJSON []byte
	err := s.q.QueryRow(ctx,
		`SELECT id, valuation_id, source, verdicts, created_at FROM validation_runs WHERE id = $1`,
		id,
	).Scan(&run.ID, &run.ValuationID, &run.Source, &verdictsJSON, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "validation run %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get validation run %s", id)
	}
	if err := json.Unmarshal(verdictsJSON, &run.Verdicts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal verdicts")
	}
	return &run, nil
}

// --- Snapshots ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	dataJSON, err := json.Marshal(snap.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO snapshots (id, validation_run_id, valuation_id, reason, description, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.ValidationRunID, snap.ValuationID, snap.Reason, snap.Description, dataJSON, snap.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert snapshot %s", snap.ID)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	snap, err := s.scanSnapshot(s.q.QueryRow(ctx,
		`SELECT id, validation_run_id, valuation_id, reason, description, data, created_at FROM snapshots WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "snapshot %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", id)
	}
	return snap, nil
}

func (s *PostgresStore) GetSnapshotByRun(ctx context.Context, runID string) (*model.Snapshot, error) {
	snap, err := s.scanSnapshot(s.q.QueryRow(ctx,
		`SELECT id, validation_run_id, valuation_id, reason, description, data, created_at FROM snapshots WHERE validation_run_id = $1`,
		runID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get snapshot for run %s", runID)
	}
	return snap, nil
}

func (s *PostgresStore) scanSnapshot(row pgx.Row) (*model.Snapshot, error) {
	var snap model.Snapshot
	var dataJSON []byte
	if err := row.Scan(&snap.ID, &snap.ValidationRunID, &snap.ValuationID, &snap.Reason, &snap.Description, &dataJSON, &snap.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dataJSON, &snap.Data); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
	}
	return &snap, nil
}

// --- Change ledger ---

var ledgerColumns = []string{
	"id", "validation_run_id", "valuation_id", "sequence", "change_type", "entity_type", "entity_id",
	"field", "before_value", "after_value", "trade_delta", "retail_delta", "loan_delta",
	"reason", "confidence", "verdict", "created_at",
}

func (s *PostgresStore) MaxLedgerSequence(ctx context.Context, runID string) (int, error) {
	var maxSeq int
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM ledger_entries WHERE validation_run_id = $1`,
		runID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: max ledger sequence for %s", runID)
	}
	return maxSeq, nil
}

func (s *PostgresStore) InsertLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{
			e.ID, e.ValidationRunID, e.ValuationID, int32(e.Sequence), string(e.ChangeType), e.EntityType, e.EntityID,
			e.Field, e.Before, e.After, e.Delta.Trade, e.Delta.Retail, e.Delta.Loan,
			e.Reason, e.Confidence, string(e.Verdict), e.CreatedAt,
		}
	}
	_, err := db.CopyFrom(ctx, s.q, "ledger_entries", ledgerColumns, rows)
	return eris.Wrap(err, "postgres: insert ledger entries")
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, runID string) ([]model.LedgerEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, validation_run_id, valuation_id, sequence, change_type, entity_type, entity_id,
		        field, before_value, after_value, trade_delta, retail_delta, loan_delta,
		        reason, confidence, verdict, created_at
		 FROM ledger_entries WHERE validation_run_id = $1 ORDER BY sequence`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list ledger entries for %s", runID)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var changeType, verdict string
		if err := rows.Scan(&e.ID, &e.ValidationRunID, &e.ValuationID, &e.Sequence, &changeType, &e.EntityType, &e.EntityID,
			&e.Field, &e.Before, &e.After, &e.Delta.Trade, &e.Delta.Retail, &e.Delta.Loan,
			&e.Reason, &e.Confidence, &verdict, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		e.ChangeType = model.ChangeType(changeType)
		e.Verdict = model.VerdictStatus(verdict)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list ledger entries iterate")
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	return s.InTx(ctx, func(r Repo) error {
		tx := r.(*PostgresStore)
		_, err := tx.q.Exec(ctx,
			`INSERT INTO sessions (id, validation_run_id, valuation_id, status, created_at, expires_at, applied_at, revaluation_source)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sess.ID, sess.ValidationRunID, sess.ValuationID, string(sess.Status), sess.CreatedAt, sess.ExpiresAt, sess.AppliedAt, sess.RevaluationSource,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
		}
		return tx.InsertOverrides(ctx, sess.Overrides)
	})
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	var status string
	err := s.q.QueryRow(ctx,
		`SELECT id, validation_run_id, valuation_id, status, created_at, expires_at, applied_at, revaluation_source
		 FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.ValidationRunID, &sess.ValuationID, &status, &sess.CreatedAt, &sess.ExpiresAt, &sess.AppliedAt, &sess.RevaluationSource)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "session %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	sess.Status = model.SessionStatus(status)

	rows, err := s.q.Query(ctx,
		`SELECT `+overrideColumns+` FROM session_overrides WHERE session_id = $1 ORDER BY code`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list overrides for %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan override")
		}
		sess.Overrides = append(sess.Overrides, *o)
	}
	return &sess, eris.Wrap(rows.Err(), "postgres: list overrides iterate")
}

func (s *PostgresStore) ListPendingSessions(ctx context.Context, valuationID string) ([]model.Session, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, validation_run_id, valuation_id, status, created_at, expires_at, applied_at, revaluation_source
		 FROM sessions WHERE valuation_id = $1 AND status = $2 ORDER BY created_at DESC`,
		valuationID, string(model.SessionPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list pending sessions for %s", valuationID)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.ValidationRunID, &sess.ValuationID, &status, &sess.CreatedAt, &sess.ExpiresAt, &sess.AppliedAt, &sess.RevaluationSource); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sess.Status = model.SessionStatus(status)
		out = append(out, sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending sessions iterate")
}

const overrideColumns = `id, session_id, line_item_id, code, ai_recommendation, verdict, confidence,
	original_selected, keep_original, updated_at`

func (s *PostgresStore) InsertOverrides(ctx context.Context, overrides []model.Override) error {
	for _, o := range overrides {
		_, err := s.q.Exec(ctx,
			`INSERT INTO session_overrides (id, session_id, line_item_id, code, code_key, ai_recommendation, verdict, confidence,
			                                original_selected, keep_original, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			o.ID, o.SessionID, o.LineItemID, o.Code, model.NormalizeCode(o.Code), string(o.AIRecommendation), string(o.Verdict), o.Confidence,
			o.OriginalSelected, o.KeepOriginal, o.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert override %s", o.Code)
		}
	}
	return nil
}

func (s *PostgresStore) ToggleOverride(ctx context.Context, sessionID, code string) (*model.Override, error) {
	o, err := scanOverride(s.q.QueryRow(ctx,
		`WITH live AS (SELECT id FROM sessions WHERE id = $1 AND status = $4 FOR UPDATE)
		 UPDATE session_overrides SET keep_original = NOT keep_original, updated_at = $3
		 WHERE session_id IN (SELECT id FROM live) AND code_key = $2
		 RETURNING `+overrideColumns,
		sessionID, model.NormalizeCode(code), time.Now().UTC(), string(model.SessionPending),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(apperr.ErrNotFound, "override %s in session %s", code, sessionID)
		}
		return nil, eris.Wrapf(err, "postgres: toggle override %s", code)
	}
	return o, nil
}

func (s *PostgresStore) ClaimSession(ctx context.Context, sessionID string, appliedAt time.Time, revaluationSource string) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE sessions SET status = $1, applied_at = $2, revaluation_source = $3
		 WHERE id = $4 AND status = $5`,
		string(model.SessionApplied), appliedAt, revaluationSource, sessionID, string(model.SessionPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim session %s", sessionID)
	}
	return tag.RowsAffected() == 1, nil
}

// --- helpers ---

func scanOverride(row pgx.Row) (*model.Override, error) {
	var o model.Override
	var rec, verdict string
	if err := row.Scan(&o.ID, &o.SessionID, &o.LineItemID, &o.Code, &rec, &verdict, &o.Confidence,
		&o.OriginalSelected, &o.KeepOriginal, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.AIRecommendation = model.Recommendation(rec)
	o.Verdict = model.VerdictStatus(verdict)
	return &o, nil
}

func marshalRelations(li *model.LineItem) ([]byte, []byte, error) {
	includes := li.IncludesCodes
	if includes == nil {
		includes = []string{}
	}
	excludes := li.ExcludesCodes
	if excludes == nil {
		excludes = []string{}
	}
	inc, err := json.Marshal(includes)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal includes codes")
	}
	exc, err := json.Marshal(excludes)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal excludes codes")
	}
	return inc, exc, nil
}

func unmarshalRelations(li *model.LineItem, includes, excludes []byte) error {
	if len(includes) > 0 {
		if err := json.Unmarshal(includes, &li.IncludesCodes); err != nil {
			return eris.Wrapf(err, "unmarshal includes codes for %s", li.Code)
		}
	}
	if len(excludes) > 0 {
		if err := json.Unmarshal(excludes, &li.ExcludesCodes); err != nil {
			return eris.Wrapf(err, "unmarshal excludes codes for %s", li.Code)
		}
	}
	if len(li.IncludesCodes) == 0 {
		li.IncludesCodes = nil
	}
	if len(li.ExcludesCodes) == 0 {
		li.ExcludesCodes = nil
	}
	return nil
}
