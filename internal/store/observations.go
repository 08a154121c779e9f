package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sheetsync/internal/fieldmap"
)

var _ fieldmap.Observer = (*Store)(nil)

// Observe records an unknown field. A repeat observation adds obs.Count to
// the running total, extends last_seen and replaces the sample; status and
// first_seen are kept.
func (s *Store) Observe(ctx context.Context, obs fieldmap.Observation) error {
	if obs.Count <= 0 {
		obs.Count = 1
	}
	now := s.now()
	if obs.FirstSeen.IsZero() {
		obs.FirstSeen = now
	}
	if obs.LastSeen.IsZero() {
		obs.LastSeen = obs.FirstSeen
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO unknown_fields (collection_id, source_field, generated_column, occurrence_count, first_seen_ns, last_seen_ns, sample_value, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (collection_id, source_field) DO UPDATE SET
  generated_column = excluded.generated_column,
  occurrence_count = unknown_fields.occurrence_count + excluded.occurrence_count,
  first_seen_ns = MIN(unknown_fields.first_seen_ns, excluded.first_seen_ns),
  last_seen_ns = MAX(unknown_fields.last_seen_ns, excluded.last_seen_ns),
  sample_value = CASE WHEN excluded.sample_value = '' THEN unknown_fields.sample_value ELSE excluded.sample_value END`,
			obs.CollectionID, obs.SourceField, obs.GeneratedColumn, obs.Count,
			ns(obs.FirstSeen), ns(obs.LastSeen), obs.SampleValue, fieldmap.StatusPending)
		if err != nil {
			return fmt.Errorf("store: observe %s/%s: %w", obs.CollectionID, obs.SourceField, err)
		}
		return nil
	})
}

// UnknownFields lists observations with the given status, or all of them
// when status is empty, most recently seen first.
func (s *Store) UnknownFields(ctx context.Context, status string) ([]fieldmap.Observation, error) {
	q := selectObservations
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	return s.queryObservations(ctx, q+" ORDER BY last_seen_ns DESC, collection_id, source_field", args...)
}

// NewUnknownFields lists observations first seen at or after since.
func (s *Store) NewUnknownFields(ctx context.Context, since time.Time) ([]fieldmap.Observation, error) {
	return s.queryObservations(ctx, selectObservations+" WHERE first_seen_ns >= ? ORDER BY collection_id, source_field", ns(since))
}

// SetUnknownFieldStatus moves an observation to pending, mapped or ignored.
func (s *Store) SetUnknownFieldStatus(ctx context.Context, collectionID, sourceField, status string) error {
	switch status {
	case fieldmap.StatusPending, fieldmap.StatusMapped, fieldmap.StatusIgnored:
	default:
		return fmt.Errorf("store: unknown status %q", status)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE unknown_fields SET status = ? WHERE collection_id = ? AND source_field = ?",
			status, collectionID, sourceField)
		if err != nil {
			return fmt.Errorf("store: set status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const selectObservations = `
SELECT collection_id, source_field, generated_column, occurrence_count, first_seen_ns, last_seen_ns, sample_value, status
  FROM unknown_fields`

func (s *Store) queryObservations(ctx context.Context, q string, args ...any) ([]fieldmap.Observation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list unknown fields: %w", err)
	}
	defer rows.Close()

	var out []fieldmap.Observation
	for rows.Next() {
		var (
			o           fieldmap.Observation
			first, last int64
		)
		if err := rows.Scan(&o.CollectionID, &o.SourceField, &o.GeneratedColumn, &o.Count, &first, &last, &o.SampleValue, &o.Status); err != nil {
			return nil, err
		}
		o.FirstSeen, o.LastSeen = fromNS(first), fromNS(last)
		out = append(out, o)
	}
	return out, rows.Err()
}
