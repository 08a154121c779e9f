package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"sheetsync/internal/fieldmap"
	"sheetsync/pkg/records"
)

// Rules returns the enabled field mapping rules. It implements
// fieldmap.RuleSource.
func (s *Store) Rules(ctx context.Context) ([]fieldmap.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT collection_id, source_field, column_name, data_type, required, priority, raw_column, infer_year_from
  FROM field_rules
 WHERE enabled = 1
 ORDER BY collection_id, source_field, priority, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var out []fieldmap.Rule
	for rows.Next() {
		var (
			r  fieldmap.Rule
			dt string
		)
		if err := rows.Scan(&r.CollectionID, &r.SourceField, &r.Column, &dt, &r.Required, &r.Priority, &r.RawColumn, &r.InferYearFrom); err != nil {
			return nil, err
		}
		r.Type = records.DataType(dt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRule inserts a rule or updates the one with the same collection,
// source field and column. A rule for an observed unknown field marks the
// observation as mapped.
func (s *Store) UpsertRule(ctx context.Context, r fieldmap.Rule) error {
	if strings.TrimSpace(r.SourceField) == "" || strings.TrimSpace(r.Column) == "" {
		return fmt.Errorf("store: rule needs source_field and column")
	}
	if r.CollectionID == "" {
		r.CollectionID = fieldmap.Wildcard
	}
	dt := r.Type
	if dt == "" {
		dt = records.TypeString
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO field_rules (collection_id, source_field, column_name, data_type, required, priority, raw_column, infer_year_from, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
ON CONFLICT (collection_id, source_field, column_name) DO UPDATE SET
  data_type = excluded.data_type,
  required = excluded.required,
  priority = excluded.priority,
  raw_column = excluded.raw_column,
  infer_year_from = excluded.infer_year_from,
  enabled = 1`,
			r.CollectionID, r.SourceField, r.Column, string(dt), boolInt(r.Required), r.Priority, r.RawColumn, r.InferYearFrom)
		if err != nil {
			return fmt.Errorf("store: upsert rule %s/%s: %w", r.CollectionID, r.SourceField, err)
		}
		q := "UPDATE unknown_fields SET status = ? WHERE source_field = ? AND status = ?"
		args := []any{fieldmap.StatusMapped, r.SourceField, fieldmap.StatusPending}
		if r.CollectionID != fieldmap.Wildcard {
			q += " AND collection_id = ?"
			args = append(args, r.CollectionID)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("store: mark observation mapped: %w", err)
		}
		return nil
	})
}

// DisableRule turns a rule off without deleting it.
func (s *Store) DisableRule(ctx context.Context, collectionID, sourceField, column string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE field_rules SET enabled = 0 WHERE collection_id = ? AND source_field = ? AND column_name = ?",
			collectionID, sourceField, column)
		if err != nil {
			return fmt.Errorf("store: disable rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
