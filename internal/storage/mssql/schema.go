package mssql

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
	"sheetsync/pkg/records"
)

//go:embed sql/merge_procedure.sql.tmpl
var sqlFS embed.FS

var procTmpl = template.Must(template.ParseFS(sqlFS, "sql/merge_procedure.sql.tmpl"))

const (
	colBatchID    = "batch_id"
	colIngestedAt = "ingested_at"
	colStagedSeq  = "staged_seq"
)

// Dialect renders SQL Server DDL.
var Dialect = ddl.Dialect{
	Name:      "mssql ddl",
	Quote:     msIdent,
	MapType:   MapType,
	AddColumn: "ALTER TABLE %s ADD %s %s NULL",
}

// MapType returns the SQL Server column type for a logical data type. Key
// columns are sized so they can be indexed.
func MapType(t records.DataType, key bool) string {
	switch t {
	case records.TypeInteger:
		return "BIGINT"
	case records.TypeFloat:
		return "FLOAT"
	case records.TypeBoolean:
		return "BIT"
	case records.TypeDate:
		return "DATE"
	case records.TypeTimestamp:
		return "DATETIME2"
	}
	if key {
		return "NVARCHAR(450)"
	}
	return "NVARCHAR(MAX)"
}

// EnsureTable creates or widens the target, staging and audit tables and
// reinstalls the merge procedure when the merged column set changed.
func (r *Repository) EnsureTable(ctx context.Context, schema []records.Column) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetCols, err := r.ensure(ctx, ddl.FromSchema(Dialect, r.cfg.Table, schema, r.cfg.KeyColumns))
	if err != nil {
		return err
	}
	if r.cfg.StagingTable == "" {
		return nil
	}
	stagingCols, err := r.ensure(ctx, stagingDef(r.cfg.StagingTable, schema, r.cfg.KeyColumns))
	if err != nil {
		return err
	}
	if r.cfg.AuditTable != "" && r.cfg.AutoCreate {
		if _, err := r.db.ExecContext(ctx, auditDDL(r.cfg.AuditTable)); err != nil {
			return fmt.Errorf("audit table: %w", err)
		}
	}

	cols := intersect(targetCols, stagingCols)
	if slices.Equal(cols, r.columns) {
		return nil
	}
	proc, err := renderProcedure(r.cfg, cols)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, proc); err != nil {
		return fmt.Errorf("install %s: %w", r.cfg.MergeProcedure, err)
	}
	r.columns = cols
	r.log.WithFields(logrus.Fields{"procedure": r.cfg.MergeProcedure, "columns": len(cols)}).Info("mssql: merge procedure installed")
	return nil
}

func (r *Repository) ensure(ctx context.Context, td ddl.TableDef) ([]string, error) {
	existing, err := r.existingColumns(ctx, td.FQN)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if !r.cfg.AutoCreate {
			return nil, fmt.Errorf("table %s does not exist and auto_create_table is off", td.FQN)
		}
		stmt, err := ddl.BuildCreateTableSQL(Dialect, td)
		if err != nil {
			return nil, err
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create %s: %w", td.FQN, err)
		}
		r.log.WithField("table", td.FQN).Info("mssql: table created")
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
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return nil, fmt.Errorf("widen %s: %w", td.FQN, err)
		}
	}
	r.log.WithFields(logrus.Fields{"table": td.FQN, "added": len(missing)}).Info("mssql: columns added")
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
	rows, err := r.db.QueryContext(ctx, `
SELECT COLUMN_NAME
  FROM INFORMATION_SCHEMA.COLUMNS
 WHERE TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME())
   AND TABLE_NAME = @p2
 ORDER BY ORDINAL_POSITION`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", fqn, err)
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

// stagingDef mirrors the batch schema without a primary key; key columns keep
// their indexable type. The staging bookkeeping columns are appended.
func stagingDef(fqn string, schema []records.Column, keys []string) ddl.TableDef {
	td := ddl.FromSchema(Dialect, fqn, schema, keys)
	for i := range td.Columns {
		td.Columns[i].PrimaryKey = false
		td.Columns[i].Nullable = true
	}
	td.Columns = append(td.Columns,
		ddl.ColumnDef{Name: colBatchID, SQLType: "NVARCHAR(200)"},
		ddl.ColumnDef{Name: colIngestedAt, SQLType: "DATETIME2", Default: "SYSUTCDATETIME()"},
		ddl.ColumnDef{Name: colStagedSeq, SQLType: "BIGINT IDENTITY(1,1)"},
	)
	return td
}

func auditDDL(fqn string) string {
	return fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
CREATE TABLE %[2]s (
  [batch_id] NVARCHAR(200) NOT NULL,
  [rows_merged] BIGINT NOT NULL,
  [merged_at] DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
);`, strings.ReplaceAll(fqn, "'", "''"), msFQN(fqn))
}

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

func renderProcedure(cfg Config, cols []string) (string, error) {
	if cfg.MergeProcedure == "" {
		return "", fmt.Errorf("merge procedure not configured")
	}
	d := struct {
		Procedure, Staging, Audit, Merge string
	}{
		Procedure: msFQN(cfg.MergeProcedure),
		Staging:   msFQN(cfg.StagingTable),
		Merge: mergeSQL(cfg.Table, msFQN(cfg.StagingTable), msIdent(colBatchID)+" = @batch_id",
			cols, cfg.KeyColumns, colStagedSeq),
	}
	if cfg.AuditTable != "" {
		d.Audit = msFQN(cfg.AuditTable)
	}
	var buf bytes.Buffer
	if err := procTmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render procedure: %w", err)
	}
	return buf.String(), nil
}
