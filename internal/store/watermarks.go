package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Watermark returns the last confirmed-synchronized time of a collection.
// ok is false when the collection has never completed a run.
func (s *Store) Watermark(ctx context.Context, collectionID string) (wm time.Time, ok bool, err error) {
	var n int64
	err = s.db.QueryRowContext(ctx, "SELECT watermark_ns FROM watermarks WHERE collection_id = ?", collectionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: watermark %s: %w", collectionID, err)
	}
	return fromNS(n), true, nil
}

// CommitWatermark advances a collection's watermark to wm and returns the
// stored value. The watermark never moves backwards: committing an older
// time keeps the current one.
func (s *Store) CommitWatermark(ctx context.Context, collectionID string, wm time.Time) (time.Time, error) {
	var stored int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO watermarks (collection_id, watermark_ns, updated_at_ns) VALUES (?, ?, ?)
ON CONFLICT (collection_id) DO UPDATE SET
  watermark_ns = MAX(watermarks.watermark_ns, excluded.watermark_ns),
  updated_at_ns = excluded.updated_at_ns`,
			collectionID, ns(wm), ns(s.now()))
		if err != nil {
			return fmt.Errorf("store: commit watermark %s: %w", collectionID, err)
		}
		return tx.QueryRowContext(ctx, "SELECT watermark_ns FROM watermarks WHERE collection_id = ?", collectionID).Scan(&stored)
	})
	if err != nil {
		return time.Time{}, err
	}
	return fromNS(stored), nil
}

// ResetWatermark forgets a collection's watermark so that its next run starts
// from the since_days window again. It reports whether a watermark existed.
func (s *Store) ResetWatermark(ctx context.Context, collectionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM watermarks WHERE collection_id = ?", collectionID)
	if err != nil {
		return false, fmt.Errorf("store: reset watermark %s: %w", collectionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: reset watermark %s: %w", collectionID, err)
	}
	if n > 0 {
		s.log.WithField("collection", collectionID).Info("store: watermark reset")
	}
	return n > 0, nil
}
