// Package mssql implements the warehouse sink on Microsoft SQL Server using
// the go-mssqldb bulk copy API.
//
// Direct uploads bulk copy into a session temp table (#tmp) and MERGE it into
// the target in one transaction. Staged uploads bulk copy into the staging
// table; a T-SQL procedure installed by EnsureTable merges one batch and
// clears it.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
	"github.com/sirupsen/logrus"

	"sheetsync/internal/logging"
	"sheetsync/internal/storage"
	"sheetsync/pkg/records"
)

// Config holds MSSQL repository configuration.
type Config struct {
	DSN            string
	Table          string
	KeyColumns     []string
	StagingTable   string
	MergeProcedure string
	AuditTable     string
	AutoCreate     bool
	Logger         logrus.FieldLogger
}

// Repository is an MSSQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	columns []string
}

// rownumCol orders duplicate keys inside one bulk copy; the last row wins.
const rownumCol = "__rownum"

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	close := func() { _ = db.Close() }
	return &Repository{db: db, cfg: cfg, log: log.WithField("sink", "mssql")}, close, nil
}

// Upsert bulk copies the batch into #tmp and merges it into the target.
func (r *Repository) Upsert(ctx context.Context, b records.Batch) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}
	cols := b.ColumnNames()
	tmp := "#tmp_" + strings.ReplaceAll(r.cfg.Table, ".", "_")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Temp table with the target's shape plus a row number.
	create := fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s",
		strings.Join(mapIdent(cols), ","), msIdent(tmp), msFQN(r.cfg.Table))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s ADD %s INT NULL", msIdent(tmp), msIdent(rownumCol)),
	); err != nil {
		return 0, fmt.Errorf("alter temp: %w", err)
	}

	rows := b.Matrix()
	for i := range rows {
		rows[i] = append(rows[i], i+1)
	}
	if _, err := bulkCopy(ctx, tx, tmp, append(cols, rownumCol), rows); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, mergeSQL(r.cfg.Table, msIdent(tmp), "", cols, r.cfg.KeyColumns, rownumCol))
	if err != nil {
		return 0, fmt.Errorf("merge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+msIdent(tmp)); err != nil {
		return 0, fmt.Errorf("drop temp: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	r.log.WithFields(logrus.Fields{"batch_id": b.ID, "written": n}).Debug("mssql: upsert done")
	return n, nil
}

// StageRows replaces the staged rows of b.ID with b.Rows.
func (r *Repository) StageRows(ctx context.Context, b records.Batch) (int64, error) {
	if r.cfg.StagingTable == "" {
		return 0, errors.New("staging table not configured")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = @p1", msFQN(r.cfg.StagingTable), msIdent(colBatchID))
	if _, err := tx.ExecContext(ctx, del, b.ID); err != nil {
		return 0, fmt.Errorf("clear staged batch: %w", err)
	}
	rows := b.Matrix()
	for i := range rows {
		rows[i] = append(rows[i], b.ID)
	}
	n, err := bulkCopy(ctx, tx, r.cfg.StagingTable, append(b.ColumnNames(), colBatchID), rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// Merge executes the merge procedure for batchID.
func (r *Repository) Merge(ctx context.Context, batchID string) (int64, error) {
	if r.cfg.MergeProcedure == "" {
		return 0, errors.New("merge procedure not configured")
	}
	var n sql.NullInt64
	exec := fmt.Sprintf("EXEC %s @batch_id = @p1", msFQN(r.cfg.MergeProcedure))
	if err := r.db.QueryRowContext(ctx, exec, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("exec %s: %w", r.cfg.MergeProcedure, err)
	}
	return n.Int64, nil
}

// PendingBatches lists staged batches last written before olderThan.
func (r *Repository) PendingBatches(ctx context.Context, olderThan time.Time) ([]string, error) {
	if r.cfg.StagingTable == "" {
		return nil, nil
	}
	var id sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT OBJECT_ID(@p1, N'U')", r.cfg.StagingTable).Scan(&id); err != nil {
		return nil, fmt.Errorf("lookup staging table: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	q := fmt.Sprintf(
		"SELECT %[1]s FROM %[2]s GROUP BY %[1]s HAVING MAX(%[3]s) < @p1 ORDER BY MIN(%[3]s)",
		msIdent(colBatchID), msFQN(r.cfg.StagingTable), msIdent(colIngestedAt),
	)
	rows, err := r.db.QueryContext(ctx, q, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("list staged batches: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// bulkCopy streams rows into table through mssql.CopyIn inside tx.
func bulkCopy(ctx context.Context, tx *sql.Tx, table string, cols []string, rows [][]any) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, cols...))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx) // flush
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// mergeSQL renders a MERGE of cols from src into table. Duplicate keys in
// src are reduced to the row with the highest orderCol. A non-empty where
// filters src.
func mergeSQL(table, src, where string, cols, keys []string, orderCol string) string {
	colList := strings.Join(mapIdent(cols), ", ")
	filter := ""
	if where != "" {
		filter = " WHERE " + where
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s WITH (HOLDLOCK) AS T\n", msFQN(table))
	fmt.Fprintf(&sb, "USING (SELECT %s FROM (SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS [__rn] FROM %s%s) AS D WHERE [__rn] = 1) AS S\n",
		colList, colList, strings.Join(mapIdent(keys), ", "), msIdent(orderCol), src, filter)
	fmt.Fprintf(&sb, "ON %s\n", buildJoinCondition(keys))
	if sets := storage.NonKey(cols, keys); len(sets) > 0 {
		parts := make([]string, len(sets))
		for i, c := range sets {
			parts[i] = fmt.Sprintf("T.%s = S.%s", msIdent(c), msIdent(c))
		}
		fmt.Fprintf(&sb, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(parts, ", "))
	}
	vals := make([]string, len(cols))
	for i, c := range cols {
		vals[i] = "S." + msIdent(c)
	}
	fmt.Fprintf(&sb, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", colList, strings.Join(vals, ", "))
	return sb.String()
}

// buildJoinCondition builds the T=S equality join for the provided key columns.
func buildJoinCondition(keyColumns []string) string {
	conds := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		conds = append(conds, fmt.Sprintf("T.%s = S.%s", msIdent(col), msIdent(col)))
	}
	return strings.Join(conds, " AND ")
}

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes a possibly schema-qualified name like "dbo.erp_backup" to
// "[dbo].[erp_backup]". If no dot is present, returns a single quoted ident.
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}

// mapIdent maps a list of column names to their bracket-quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = msIdent(c)
	}
	return out
}
