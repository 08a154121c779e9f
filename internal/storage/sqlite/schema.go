package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/ddl"
	"sheetsync/pkg/records"
)

const (
	colBatchID    = "batch_id"
	colIngestedAt = "ingested_at"
)

// Dialect renders SQLite DDL.
var Dialect = ddl.Dialect{
	Name:        "sqlite ddl",
	Quote:       sqIdent,
	MapType:     func(t records.DataType, _ bool) string { return MapType(t) },
	CreateTable: "CREATE TABLE IF NOT EXISTS %s",
}

// MapType returns the SQLite declared type for a logical data type. DATE and
// TIMESTAMP keep their names so the driver scans them back as time.Time.
func MapType(t records.DataType) string {
	switch t {
	case records.TypeInteger, records.TypeBoolean:
		return "INTEGER"
	case records.TypeFloat:
		return "REAL"
	case records.TypeDate:
		return "DATE"
	case records.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// EnsureTable creates or widens the target, staging and audit tables.
func (r *Repository) EnsureTable(ctx context.Context, schema []records.Column) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensure(ctx, ddl.FromSchema(Dialect, r.cfg.Table, schema, r.cfg.KeyColumns)); err != nil {
		return err
	}
	if r.cfg.StagingTable == "" {
		return nil
	}
	staging := ddl.FromSchema(Dialect, r.cfg.StagingTable, schema, nil)
	staging.Columns = append(staging.Columns,
		ddl.ColumnDef{Name: colBatchID, SQLType: "TEXT"},
		ddl.ColumnDef{Name: colIngestedAt, SQLType: "INTEGER"},
	)
	if err := r.ensure(ctx, staging); err != nil {
		return err
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		sqIdent(strings.ReplaceAll(r.cfg.StagingTable, ".", "_")+"_batch_idx"), sqFQN(r.cfg.StagingTable), sqIdent(colBatchID))
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("sqlite: staging index: %w", err)
	}
	if r.cfg.AuditTable != "" && r.cfg.AutoCreate {
		audit := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  "batch_id" TEXT NOT NULL,
  "rows_merged" INTEGER NOT NULL,
  "merged_at" TEXT NOT NULL
);`, sqFQN(r.cfg.AuditTable))
		if _, err := r.db.ExecContext(ctx, audit); err != nil {
			return fmt.Errorf("sqlite: audit table: %w", err)
		}
	}
	return nil
}

func (r *Repository) ensure(ctx context.Context, td ddl.TableDef) error {
	existing, err := tableColumns(ctx, r.db, td.FQN)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		if !r.cfg.AutoCreate {
			return fmt.Errorf("sqlite: table %s does not exist and auto_create_table is off", td.FQN)
		}
		stmt, err := ddl.BuildCreateTableSQL(Dialect, td)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: create %s: %w", td.FQN, err)
		}
		r.log.WithField("table", td.FQN).Info("sqlite: table created")
		return nil
	}
	missing := ddl.MissingColumns(td, existing)
	stmts, err := ddl.BuildAddColumnSQL(Dialect, td.FQN, missing)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("sqlite: widen %s: %w", td.FQN, err)
		}
	}
	if len(missing) > 0 {
		r.log.WithFields(logrus.Fields{"table": td.FQN, "added": len(missing)}).Info("sqlite: columns added")
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// tableColumns returns the column names of fqn, or nil when it does not exist.
func tableColumns(ctx context.Context, q queryer, fqn string) ([]string, error) {
	schema, table := "main", fqn
	if i := strings.LastIndexByte(fqn, '.'); i >= 0 {
		schema, table = fqn[:i], fqn[i+1:]
	}
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?, ?) ORDER BY cid", table, schema)
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns of %s: %w", fqn, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// intersect returns the target columns that staging also carries, in target
// order.
func intersect(target, staging []string) []string {
	have := make(map[string]struct{}, len(staging))
	for _, c := range staging {
		have[strings.ToLower(c)] = struct{}{}
	}
	var out []string
	for _, c := range target {
		if _, ok := have[strings.ToLower(c)]; ok {
			out = append(out, c)
		}
	}
	return out
}
