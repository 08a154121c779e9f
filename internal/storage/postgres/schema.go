package postgres

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"

	"sheetsync/internal/ddl"
	"sheetsync/internal/storage"
	"sheetsync/pkg/records"
)

//go:embed sql/merge_procedure.sql.tmpl
var sqlFS embed.FS

var procTmpl = template.Must(template.ParseFS(sqlFS, "sql/merge_procedure.sql.tmpl"))

// Bookkeeping columns of the staging table.
const (
	colBatchID    = "batch_id"
	colIngestedAt = "ingested_at"
	colStagedSeq  = "staged_seq"
)

// Dialect renders Postgres DDL: double-quoted identifiers, IF NOT EXISTS
// guards and the type mapping below.
var Dialect = ddl.Dialect{
	Name:        "postgres ddl",
	Quote:       pgIdent,
	MapType:     func(t records.DataType, _ bool) string { return MapType(t) },
	CreateTable: "CREATE TABLE IF NOT EXISTS %s",
	AddColumn:   "ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
}

// MapType returns the Postgres column type for a logical data type.
//
//	INTEGER   -> BIGINT
//	FLOAT     -> DOUBLE PRECISION
//	BOOLEAN   -> BOOLEAN
//	DATE      -> DATE
//	TIMESTAMP -> TIMESTAMPTZ
//	JSON      -> JSONB
//	everything else -> TEXT
func MapType(t records.DataType) string {
	switch t {
	case records.TypeInteger:
		return "BIGINT"
	case records.TypeFloat:
		return "DOUBLE PRECISION"
	case records.TypeBoolean:
		return "BOOLEAN"
	case records.TypeDate:
		return "DATE"
	case records.TypeTimestamp:
		return "TIMESTAMPTZ"
	case records.TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// EnsureTable creates or widens the target, staging and audit tables and
// reinstalls the merge procedure when the merged column set changed. Calls
// are serialized.
func (r *Repository) EnsureTable(ctx context.Context, schema []records.Column) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := ddl.FromSchema(Dialect, r.cfg.Table, schema, r.cfg.KeyColumns)
	targetCols, err := r.ensure(ctx, target, r.cfg.AutoCreate)
	if err != nil {
		return err
	}
	if r.cfg.StagingTable == "" {
		return nil
	}

	staging := stagingDef(r.cfg.StagingTable, schema)
	stagingCols, err := r.ensure(ctx, staging, r.cfg.AutoCreate)
	if err != nil {
		return err
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgIdent(lastSegment(r.cfg.StagingTable)+"_batch_idx"), pgFQN(r.cfg.StagingTable), pgIdent(colBatchID))
	if _, err := r.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("staging index: %w", describe(err))
	}

	if r.cfg.AuditTable != "" && r.cfg.AutoCreate {
		if _, err := r.pool.Exec(ctx, auditDDL(r.cfg.AuditTable)); err != nil {
			return fmt.Errorf("audit table: %w", describe(err))
		}
	}

	cols := mergeColumns(targetCols, stagingCols)
	if slices.Equal(cols, r.columns) {
		return nil
	}
	proc, err := renderProcedure(r.cfg, cols)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, proc); err != nil {
		return fmt.Errorf("install %s: %w", r.cfg.MergeProcedure, describe(err))
	}
	r.columns = cols
	r.log.WithFields(logrus.Fields{"procedure": r.cfg.MergeProcedure, "columns": len(cols)}).Info("postgres: merge procedure installed")
	return nil
}

// ensure creates td when absent (and create is set) or adds its missing
// columns. It returns the table's columns afterwards.
func (r *Repository) ensure(ctx context.Context, td ddl.TableDef, create bool) ([]string, error) {
	existing, err := r.existingColumns(ctx, td.FQN)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if !create {
			return nil, fmt.Errorf("table %s does not exist and auto_create_table is off", td.FQN)
		}
		stmt, err := ddl.BuildCreateTableSQL(Dialect, td)
		if err != nil {
			return nil, err
		}
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create %s: %w", td.FQN, describe(err))
		}
		r.log.WithField("table", td.FQN).Info("postgres: table created")
		return r.existingColumns(ctx, td.FQN)
	}

	missing := ddl.MissingColumns(td, existing)
	if len(missing) == 0 {
		return existing, nil
	}
	stmts, err := ddl.BuildAddColumnSQL(Dialect, td.FQN, missing)
	if err != nil {
		return nil, err
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("widen %s: %w", td.FQN, describe(err))
		}
	}
	r.log.WithFields(logrus.Fields{"table": td.FQN, "added": len(missing)}).Info("postgres: columns added")
	for _, c := range missing {
		existing = append(existing, c.Name)
	}
	return existing, nil
}

func (r *Repository) existingColumns(ctx context.Context, fqn string) ([]string, error) {
	schema, table := "", fqn
	if i := strings.LastIndexByte(fqn, '.'); i >= 0 {
		schema, table = fqn[:i], fqn[i+1:]
	}
	rows, err := r.pool.Query(ctx, `
SELECT column_name
  FROM information_schema.columns
 WHERE table_schema = CASE WHEN $1 = '' THEN current_schema() ELSE $1 END
   AND table_name = $2
 ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", fqn, describe(err))
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

// stagingDef mirrors the batch schema without keys and adds the staging
// bookkeeping columns.
func stagingDef(fqn string, schema []records.Column) ddl.TableDef {
	td := ddl.FromSchema(Dialect, fqn, schema, nil)
	td.Columns = append(td.Columns,
		ddl.ColumnDef{Name: colBatchID, SQLType: "TEXT"},
		ddl.ColumnDef{Name: colIngestedAt, SQLType: "TIMESTAMPTZ", Default: "now()"},
		ddl.ColumnDef{Name: colStagedSeq, SQLType: "BIGINT GENERATED ALWAYS AS IDENTITY"},
	)
	return td
}

func auditDDL(fqn string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  %s TEXT NOT NULL,
  "rows_merged" BIGINT NOT NULL,
  "merged_at" TIMESTAMPTZ NOT NULL DEFAULT now()
);`, pgFQN(fqn), pgIdent(colBatchID))
}

// mergeColumns returns the target columns that staging also carries, in
// target order.
func mergeColumns(target, staging []string) []string {
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

type procData struct {
	Procedure string
	Table     string
	Staging   string
	Audit     string
	Columns   string
	Keys      string
	Updates   string
}

// renderProcedure renders the CREATE OR REPLACE PROCEDURE statement that
// merges one staged batch into the target.
func renderProcedure(cfg Config, cols []string) (string, error) {
	if cfg.MergeProcedure == "" {
		return "", fmt.Errorf("merge procedure not configured")
	}
	d := procData{
		Procedure: pgFQN(cfg.MergeProcedure),
		Table:     pgFQN(cfg.Table),
		Staging:   pgFQN(cfg.StagingTable),
		Columns:   strings.Join(mapIdent(cols), ", "),
		Keys:      strings.Join(mapIdent(cfg.KeyColumns), ", "),
		Updates:   strings.Join(updateColumns(storage.NonKey(cols, cfg.KeyColumns)), ", "),
	}
	if cfg.AuditTable != "" {
		d.Audit = pgFQN(cfg.AuditTable)
	}
	var buf bytes.Buffer
	if err := procTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render procedure: %w", err)
	}
	return buf.String(), nil
}

func lastSegment(fqn string) string {
	if i := strings.LastIndexByte(fqn, '.'); i >= 0 {
		return fqn[i+1:]
	}
	return fqn
}
