// Package postgres implements the warehouse sink on Postgres using pgx v5.
//
// Direct uploads COPY into a temporary table and upsert from it into the
// target in one transaction. Staged uploads COPY into a persistent staging
// table tagged with the batch id; a plpgsql procedure installed by EnsureTable
// moves one batch into the target and clears it from staging.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"sheetsync/internal/logging"
	"sheetsync/internal/storage"
	"sheetsync/pkg/records"
)

// Config holds Postgres repository configuration.
type Config struct {
	DSN            string   // connection string for pgxpool
	Table          string   // fully qualified target table, e.g. "public.erp_backup"
	KeyColumns     []string // conflict target columns
	StagingTable   string
	MergeProcedure string
	AuditTable     string
	AutoCreate     bool
	Logger         logrus.FieldLogger
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
	log  logrus.FieldLogger

	// mu guards columns, the target column set last seen by EnsureTable.
	mu      sync.Mutex
	columns []string
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	close := func() { pool.Close() }
	return newRepo(pool, cfg), close, nil
}

func newRepo(pool *pgxpool.Pool, cfg Config) *Repository {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Repository{pool: pool, cfg: cfg, log: log.WithField("sink", "postgres")}
}

// Upsert copies the batch into a temporary table and upserts it into the
// target by key columns, all in one transaction.
func (r *Repository) Upsert(ctx context.Context, b records.Batch) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}
	cols := b.ColumnNames()
	tmp := "tmp_" + strings.ReplaceAll(r.cfg.Table, ".", "_")

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	create := fmt.Sprintf(
		"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s, 0::bigint AS %s FROM %s WHERE false",
		pgIdent(tmp), strings.Join(mapIdent(cols), ","), pgIdent(colBatchOrd), pgFQN(r.cfg.Table),
	)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("create temp: %w", describe(err))
	}
	rows := b.Matrix()
	for i := range rows {
		rows[i] = append(rows[i], int64(i))
	}
	copyCols := append(append([]string(nil), cols...), colBatchOrd)
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, copyCols, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into temp: %w", describe(err))
	}

	tag, err := tx.Exec(ctx, upsertSQL(r.cfg.Table, pgIdent(tmp), cols, r.cfg.KeyColumns))
	if err != nil {
		return 0, fmt.Errorf("upsert: %w", describe(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", describe(err))
	}
	r.log.WithFields(logrus.Fields{"batch_id": b.ID, "copied": copied, "written": tag.RowsAffected()}).Debug("postgres: upsert done")
	return tag.RowsAffected(), nil
}

// StageRows replaces the staged rows of b.ID with b.Rows.
func (r *Repository) StageRows(ctx context.Context, b records.Batch) (int64, error) {
	if r.cfg.StagingTable == "" {
		return 0, errors.New("staging table not configured")
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	del := fmt.Sprintf("DELETE FROM %s WHERE batch_id = $1", pgFQN(r.cfg.StagingTable))
	if _, err := tx.Exec(ctx, del, b.ID); err != nil {
		return 0, fmt.Errorf("clear staged batch: %w", describe(err))
	}

	cols := append(b.ColumnNames(), "batch_id")
	rows := b.Matrix()
	for i := range rows {
		rows[i] = append(rows[i], b.ID)
	}
	n, err := tx.CopyFrom(ctx, splitFQN(r.cfg.StagingTable), cols, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into staging: %w", describe(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", describe(err))
	}
	return n, nil
}

// Merge calls the merge procedure for batchID.
func (r *Repository) Merge(ctx context.Context, batchID string) (int64, error) {
	if r.cfg.MergeProcedure == "" {
		return 0, errors.New("merge procedure not configured")
	}
	var n *int64
	call := fmt.Sprintf("CALL %s($1::text, NULL::bigint)", pgFQN(r.cfg.MergeProcedure))
	if err := r.pool.QueryRow(ctx, call, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("call %s: %w", r.cfg.MergeProcedure, describe(err))
	}
	if n == nil {
		return 0, nil
	}
	return *n, nil
}

// PendingBatches lists staged batches last written before olderThan.
func (r *Repository) PendingBatches(ctx context.Context, olderThan time.Time) ([]string, error) {
	if r.cfg.StagingTable == "" {
		return nil, nil
	}
	var reg *string
	if err := r.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", r.cfg.StagingTable).Scan(&reg); err != nil {
		return nil, fmt.Errorf("lookup staging table: %w", describe(err))
	}
	if reg == nil {
		return nil, nil
	}

	q := fmt.Sprintf(
		"SELECT batch_id FROM %s GROUP BY batch_id HAVING max(ingested_at) < $1 ORDER BY min(ingested_at)",
		pgFQN(r.cfg.StagingTable),
	)
	rows, err := r.pool.Query(ctx, q, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list staged batches: %w", describe(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list staged batches: %w", describe(err))
	}
	return ids, nil
}

// colBatchOrd numbers the rows of a direct upload in batch order.
const colBatchOrd = "batch_ord"

// upsertSQL renders INSERT ... SELECT ... ON CONFLICT for cols from src. When
// a key repeats within src, the row with the highest batch_ord wins.
func upsertSQL(table, src string, cols, keys []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s)\nSELECT DISTINCT ON (%s) %s FROM %s\nORDER BY %s, %s DESC",
		pgFQN(table),
		strings.Join(mapIdent(cols), ","),
		strings.Join(mapIdent(keys), ","),
		strings.Join(mapIdent(cols), ","),
		src,
		strings.Join(mapIdent(keys), ", "),
		pgIdent(colBatchOrd),
	)
	fmt.Fprintf(&sb, "\nON CONFLICT (%s) DO ", strings.Join(mapIdent(keys), ","))
	if sets := updateColumns(storage.NonKey(cols, keys)); len(sets) > 0 {
		sb.WriteString("UPDATE SET ")
		sb.WriteString(strings.Join(sets, ", "))
	} else {
		sb.WriteString("NOTHING")
	}
	return sb.String()
}

// updateColumns generates a list of column updates in the format: "col = EXCLUDED.col"
func updateColumns(cols []string) []string {
	var updates []string
	for _, col := range cols {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(col), pgIdent(col)))
	}
	return updates
}

// describe surfaces the server's detail and SQLSTATE for Postgres errors.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%s (%s): %w", pgErr.Detail, pgErr.SQLState(), err)
	}
	return err
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "public.erp_backup" to
// "public"."erp_backup". If no dot is present, returns a single quoted ident.
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

// mapIdent maps a list of column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
// If no dot is present, returns {"table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}
