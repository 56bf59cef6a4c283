package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows into a table using PostgreSQL COPY protocol.
// Ledger commits use it so a run's buffered entries land in one round trip.
func CopyFrom(ctx context.Context, q Querier, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := q.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}

	return n, nil
}

// UpdateConfig defines a keyed bulk update.
type UpdateConfig struct {
	Table   string   // target table
	Key     string   // key column matched between target and staged rows
	Columns []string // staged columns; must include Key
}

// BulkUpdate stages rows in a temp table via COPY and applies them to the
// target with a single UPDATE ... FROM. It must run inside a transaction.
// It returns the number of target rows updated, which callers compare with
// len(rows) to detect missing keys.
// 1. Creates a temp table shaped like the target
// 2. COPY rows into the temp table
// 3. UPDATE target SET cols = staged.cols FROM staged WHERE key matches
// 4. Drops the temp table
func BulkUpdate(ctx context.Context, q Querier, cfg UpdateConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: bulk update: no columns specified")
	}
	if cfg.Key == "" {
		return 0, eris.New("db: bulk update: no key column specified")
	}

	var setClauses []string
	hasKey := false
	for _, col := range cfg.Columns {
		if col == cfg.Key {
			hasKey = true
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = s.%s", pgx.Identifier{col}.Sanitize(), pgx.Identifier{col}.Sanitize()))
	}
	if !hasKey {
		return 0, eris.Errorf("db: bulk update: key %s not among columns", cfg.Key)
	}
	if len(setClauses) == 0 {
		return 0, eris.New("db: bulk update: nothing to set")
	}

	tempTable := "_tmp_update_" + strings.ReplaceAll(cfg.Table, ".", "_")

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := q.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: create temp table for %s", cfg.Table)
	}

	if _, err := q.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: COPY into temp table for %s", cfg.Table)
	}

	updateSQL := fmt.Sprintf(
		"UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s = s.%s",
		sanitizeTable(cfg.Table),
		strings.Join(setClauses, ", "),
		pgx.Identifier{tempTable}.Sanitize(),
		pgx.Identifier{cfg.Key}.Sanitize(),
		pgx.Identifier{cfg.Key}.Sanitize(),
	)
	tag, err := q.Exec(ctx, updateSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: UPDATE FROM for %s", cfg.Table)
	}

	if _, err := q.Exec(ctx, fmt.Sprintf("DROP TABLE %s", pgx.Identifier{tempTable}.Sanitize())); err != nil {
		return 0, eris.Wrapf(err, "db: bulk update: drop temp table for %s", cfg.Table)
	}

	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "recon.line_items".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}
